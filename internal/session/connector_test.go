package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeClient satisfies proto.Client so Wait's health loop can be exercised
// without a live debugging session.
type probeClient struct {
	mu         sync.Mutex
	versionErr error
	targetErr  error
}

func (f *probeClient) Call(_ context.Context, _, method string, _ interface{}) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "Browser.getVersion":
		if f.versionErr != nil {
			return nil, f.versionErr
		}
		return []byte(`{"protocolVersion":"1.3","product":"Slack"}`), nil
	case "Target.getTargetInfo":
		if f.targetErr != nil {
			return nil, f.targetErr
		}
		return []byte(`{"targetInfo":{"targetId":"T1","type":"page","url":"https://app.slack.com/client","attached":true}}`), nil
	}
	return []byte(`{}`), nil
}

func (f *probeClient) set(versionErr, targetErr error) {
	f.mu.Lock()
	f.versionErr = versionErr
	f.targetErr = targetErr
	f.mu.Unlock()
}

func probedSession(client *probeClient) *Session {
	return &Session{
		TargetURL:      "https://app.slack.com/client",
		client:         client,
		targetID:       "T1",
		healthInterval: 5 * time.Millisecond,
	}
}

func TestWaitReturnsWhenEndpointDies(t *testing.T) {
	client := &probeClient{}
	s := probedSession(client)

	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	client.set(fmt.Errorf("connection refused"), nil)
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session lost")
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe the dead endpoint")
	}
}

func TestWaitReturnsWhenTargetDestroyed(t *testing.T) {
	client := &probeClient{}
	s := probedSession(client)

	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	// The endpoint stays healthy; only the attached window goes away.
	client.set(nil, fmt.Errorf("No target with given id found"))
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "target")
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe the destroyed target")
	}
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	s := probedSession(&probeClient{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Wait(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not stop on cancellation")
	}
}
