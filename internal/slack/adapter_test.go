package slack

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/go-rod/rod/lib/proto"

	"reaclog/internal/events"
)

// fakeClient satisfies proto.Client so the adapter can be exercised without
// a live debugging session.
type fakeClient struct {
	mu           sync.Mutex
	methods      []string
	evalValue    string
	evalDelay    time.Duration
	responseBody string
}

func (f *fakeClient) Call(_ context.Context, _, method string, _ interface{}) ([]byte, error) {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	evalValue := f.evalValue
	evalDelay := f.evalDelay
	responseBody := f.responseBody
	f.mu.Unlock()

	switch method {
	case "Runtime.evaluate":
		if evalDelay > 0 {
			time.Sleep(evalDelay)
		}
		if evalValue == "" {
			evalValue = "null"
		}
		return []byte(`{"result":{"type":"object","value":` + evalValue + `}}`), nil
	case "Network.getResponseBody":
		return []byte(responseBody), nil
	}
	return []byte(`{}`), nil
}

func (f *fakeClient) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.methods {
		if m == method {
			n++
		}
	}
	return n
}

type collector struct {
	mu     sync.Mutex
	events []*events.NormalizedEvent
}

func (c *collector) emit(event *events.NormalizedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) all() []*events.NormalizedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*events.NormalizedEvent(nil), c.events...)
}

func startedAdapter(t *testing.T) (*Adapter, *fakeClient, *collector) {
	t.Helper()
	t.Setenv("REACLOG_DISABLE_DOM_CAPTURE", "")

	client := &fakeClient{}
	a := newAdapter(client, Options{
		Now:      func() time.Time { return fixedNow },
		Location: tokyoLoc(t),
	})
	sink := &collector{}
	require.NoError(t, a.Start(context.Background(), sink.emit))
	t.Cleanup(func() { _ = a.Stop() })
	return a, client, sink
}

func pausedRequest(requestID, rawURL, contentType, body string) *proto.FetchRequestPaused {
	return &proto.FetchRequestPaused{
		RequestID: proto.FetchRequestID(requestID),
		Request: &proto.NetworkRequest{
			URL:      rawURL,
			Method:   "POST",
			Headers:  proto.NetworkHeaders{"Content-Type": gson.New(contentType)},
			PostData: body,
		},
	}
}

func TestMessagePostEmitsCanonicalEvent(t *testing.T) {
	a, client, sink := startedAdapter(t)

	a.onRequestPaused(context.Background(), pausedRequest("r1",
		"https://ws.slack.com/api/chat.postMessage",
		"application/x-www-form-urlencoded",
		"channel=C123&ts=1711111111.000200&text=hello&user=U1"))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "slack:C123@1711111111.000200", got[0].UID)
	assert.Equal(t, "post", got[0].Kind)
	assert.Equal(t, "hello", got[0].Detail.Slack.Text)
	assert.Equal(t, 1, client.callCount("Fetch.continueRequest"))
	// Payload carried its own text, so the UI was never consulted.
	assert.Equal(t, 0, client.callCount("Runtime.evaluate"))
}

func TestContinueCalledOnUndecodableBody(t *testing.T) {
	a, client, sink := startedAdapter(t)

	a.onRequestPaused(context.Background(), pausedRequest("r1",
		"https://ws.slack.com/api/chat.postMessage",
		"text/plain",
		"not a payload"))

	assert.Empty(t, sink.all())
	assert.Equal(t, 1, client.callCount("Fetch.continueRequest"))
}

func TestContinueCalledForUnmatchedRequests(t *testing.T) {
	a, client, sink := startedAdapter(t)

	a.onRequestPaused(context.Background(), pausedRequest("r1",
		"https://ws.slack.com/api/conversations.history",
		"application/json",
		`{"channel":"C1"}`))

	assert.Empty(t, sink.all())
	assert.Equal(t, 1, client.callCount("Fetch.continueRequest"))
}

func TestDuplicateUIDEmittedOnce(t *testing.T) {
	a, client, sink := startedAdapter(t)
	paused := pausedRequest("r1",
		"https://ws.slack.com/api/chat.postMessage",
		"application/x-www-form-urlencoded",
		"channel=C123&ts=1711111111.000200&text=hello")

	a.onRequestPaused(context.Background(), paused)
	a.onRequestPaused(context.Background(), paused)

	assert.Len(t, sink.all(), 1)
	// The acknowledgement still fires for every interception.
	assert.Equal(t, 2, client.callCount("Fetch.continueRequest"))
}

func TestReactionUsesCachedTextWithoutUICapture(t *testing.T) {
	a, client, sink := startedAdapter(t)

	a.observeFrame(`{"type":"message","channel":"C123","ts":"1711112222.000300",` +
		`"blocks":[{"elements":[{"type":"rich_text_section","elements":[{"type":"text","text":"the original"}]}]}],"user":"U7"}`)

	a.onRequestPaused(context.Background(), pausedRequest("r2",
		"https://ws.slack.com/api/reactions.add",
		"application/x-www-form-urlencoded",
		"channel=C123&timestamp=1711112222.000300&name=eyes&user=U1"))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "reaction", got[0].Kind)
	assert.Equal(t, "added", got[0].Action)
	assert.Equal(t, "the original", got[0].Detail.Slack.Text)
	assert.Equal(t, 0, client.callCount("Runtime.evaluate"))
}

func TestReactionFallsBackToUICapture(t *testing.T) {
	a, client, sink := startedAdapter(t)
	client.mu.Lock()
	client.evalValue = `{"text":"fetched-text","channel":"general","channelId":"C123","matchedTs":["1711112222.000300"]}`
	client.mu.Unlock()

	a.onRequestPaused(context.Background(), pausedRequest("r2",
		"https://ws.slack.com/api/reactions.add",
		"application/x-www-form-urlencoded",
		"channel=C123&timestamp=1711112222.000300&name=eyes&user=U1"))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "fetched-text", got[0].Detail.Slack.Text)
	assert.Equal(t, "slack:C123@1711112222.000300:eyes:added:U1", got[0].UID)
	assert.Equal(t, "general", got[0].Detail.Slack.ChannelName)
	assert.GreaterOrEqual(t, client.callCount("Runtime.evaluate"), 1)
}

func TestReactionRemoveActionFromURL(t *testing.T) {
	a, _, sink := startedAdapter(t)

	a.onRequestPaused(context.Background(), pausedRequest("r3",
		"https://ws.slack.com/api/reactions.remove",
		"application/x-www-form-urlencoded",
		"channel=C123&timestamp=1711112222.000300&name=eyes&user=U1"))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "removed", got[0].Action)
	assert.True(t, strings.HasSuffix(got[0].UID, ":eyes:removed:U1"))
}

func TestReactionMissingFieldsSkipped(t *testing.T) {
	a, client, sink := startedAdapter(t)

	a.onRequestPaused(context.Background(), pausedRequest("r4",
		"https://ws.slack.com/api/reactions.add",
		"application/x-www-form-urlencoded",
		"timestamp=1711112222.000300&user=U1"))

	assert.Empty(t, sink.all())
	assert.Equal(t, 1, client.callCount("Fetch.continueRequest"))
}

func TestUICaptureDisabledByEnv(t *testing.T) {
	t.Setenv("REACLOG_DISABLE_DOM_CAPTURE", "1")
	client := &fakeClient{evalValue: `{"text":"fetched-text"}`}
	a := newAdapter(client, Options{
		Now:      func() time.Time { return fixedNow },
		Location: tokyoLoc(t),
	})
	sink := &collector{}
	require.NoError(t, a.Start(context.Background(), sink.emit))
	t.Cleanup(func() { _ = a.Stop() })

	a.onRequestPaused(context.Background(), pausedRequest("r5",
		"https://ws.slack.com/api/reactions.add",
		"application/x-www-form-urlencoded",
		"channel=C123&timestamp=1711112222.000300&name=eyes&user=U1"))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Detail.Slack.Text)
	assert.Equal(t, 0, client.callCount("Runtime.evaluate"))
}

func TestObserveFrameShapes(t *testing.T) {
	a, _, _ := startedAdapter(t)

	a.observeFrame(`{"type":"message_changed","channel":"C1","message":{"ts":"2.000000",` +
		`"blocks":[{"elements":[{"type":"rich_text_section","elements":[{"type":"text","text":"edited"}]}]}],"user":"U2"}}`)
	a.observeFrame(`{"type":"thread_broadcast","channel":"C1","root_ts":"3.000000",` +
		`"blocks":[{"elements":[{"type":"rich_text_section","elements":[{"type":"text","text":"broadcast"}]}]}]}`)
	a.observeFrame(`not json at all`)
	a.observeFrame("")
	a.observeFrame(`{"type":"message","channel":"C1"}`)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, "edited", a.cache["C1@2.000000"].text)
	assert.Equal(t, "U2", a.cache["C1@2.000000"].user)
	assert.Equal(t, "broadcast", a.cache["C1@3.000000"].text)
	assert.Len(t, a.cache, 2)
}

func TestObserveFrameSkipsOversizedPayload(t *testing.T) {
	a, _, _ := startedAdapter(t)

	huge := `{"type":"message","channel":"C1","ts":"4.000000","text":"` +
		strings.Repeat("x", maxFrameBytes) + `"}`
	a.observeFrame(huge)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.cache)
}

func TestResponseBodyWarmsCache(t *testing.T) {
	a, client, _ := startedAdapter(t)
	client.mu.Lock()
	client.responseBody = `{"body":"{\"ok\":true,\"message\":{\"channel\":\"C7\",\"ts\":\"5.000000\",` +
		`\"blocks\":[{\"elements\":[{\"type\":\"rich_text_section\",\"elements\":[{\"type\":\"text\",\"text\":\"posted\"}]}]}],\"user\":\"U3\"}}","base64Encoded":false}`
	client.mu.Unlock()

	a.onResponseReceived(&proto.NetworkResponseReceived{
		RequestID: "r9",
		Response:  &proto.NetworkResponse{URL: "https://ws.slack.com/api/chat.postMessage"},
	})

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		entry, ok := a.cache["C7@5.000000"]
		return ok && entry.text == "posted" && entry.user == "U3"
	}, time.Second, 10*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	a, _, sink := startedAdapter(t)
	assert.Error(t, a.Start(context.Background(), sink.emit))
}

func TestStopIdempotent(t *testing.T) {
	a, _, _ := startedAdapter(t)
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())

	client := &fakeClient{}
	fresh := newAdapter(client, Options{})
	assert.NoError(t, fresh.Stop())
}

func TestSlowCaptureDoesNotBlockOtherInterceptions(t *testing.T) {
	a, client, sink := startedAdapter(t)
	client.mu.Lock()
	client.evalDelay = 100 * time.Millisecond
	client.mu.Unlock()

	// This reaction has no cached text, so its handler sits in the UI
	// capture retry schedule for a while.
	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		a.onRequestPaused(context.Background(), pausedRequest("slow",
			"https://ws.slack.com/api/reactions.add",
			"application/x-www-form-urlencoded",
			"channel=C123&timestamp=1711112222.000300&name=eyes&user=U1"))
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	a.onRequestPaused(context.Background(), pausedRequest("fast",
		"https://ws.slack.com/api/chat.postMessage",
		"application/x-www-form-urlencoded",
		"channel=C9&ts=1711111111.000200&text=hello&user=U1"))
	elapsed := time.Since(start)

	// The post completed while the capture was still in flight.
	assert.Less(t, elapsed, 100*time.Millisecond)

	select {
	case <-slowDone:
	case <-time.After(5 * time.Second):
		t.Fatal("capture never finished")
	}
	assert.Len(t, sink.all(), 2)
}

func TestConcurrentCapturesCoalescePerKey(t *testing.T) {
	a, client, _ := startedAdapter(t)
	client.mu.Lock()
	client.evalValue = `{"text":"captured","matchedTs":["9.000000"]}`
	client.evalDelay = 50 * time.Millisecond
	client.mu.Unlock()

	candidate := captureCandidate{channelID: "C1", ts: "9.000000", normalizedTS: "9.000000"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.captureUIState(context.Background(), candidate)
		}()
	}
	wg.Wait()

	// Callers coalesced onto in-flight evaluations instead of each running
	// the full retry schedule.
	assert.Less(t, client.callCount("Runtime.evaluate"), 8)
}
