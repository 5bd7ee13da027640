package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reaclog/internal/events"
)

type stubAdapter struct {
	mu       sync.Mutex
	emit     EmitFn
	startErr error
	starts   int
	stops    int
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Start(_ context.Context, emit EmitFn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.emit = emit
	return nil
}

func (s *stubAdapter) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.emit = nil
	return nil
}

func (s *stubAdapter) push(event *events.NormalizedEvent) error {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit == nil {
		return errors.New("not started")
	}
	return emit(event)
}

type memoryAppender struct {
	mu        sync.Mutex
	appended  []*events.NormalizedEvent
	appendErr error
}

func (m *memoryAppender) Append(event *events.NormalizedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, event)
	return nil
}

func validEvent(uid string) *events.NormalizedEvent {
	return &events.NormalizedEvent{
		Schema: events.SchemaVersion,
		UID:    uid,
		Source: events.SourceSlack,
		Kind:   "post",
		TS:     "2024-03-22T21:38:31+09:00",
	}
}

func TestIngestorWritesValidEvents(t *testing.T) {
	adapter := &stubAdapter{}
	sink := &memoryAppender{}
	p := NewIngestor(adapter, sink)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, adapter.push(validEvent("slack:C1@1.000000")))

	require.Len(t, sink.appended, 1)
	assert.Equal(t, "slack:C1@1.000000", sink.appended[0].UID)
}

func TestIngestorDropsInvalidEvents(t *testing.T) {
	adapter := &stubAdapter{}
	sink := &memoryAppender{}
	p := NewIngestor(adapter, sink)
	require.NoError(t, p.Start(context.Background()))

	bad := validEvent("slack:C1@1.000000")
	bad.Schema = "something-else"
	require.NoError(t, adapter.push(bad))
	require.NoError(t, adapter.push(&events.NormalizedEvent{}))

	assert.Empty(t, sink.appended)
}

func TestIngestorPropagatesWriteFailure(t *testing.T) {
	adapter := &stubAdapter{}
	sink := &memoryAppender{appendErr: errors.New("disk gone")}
	p := NewIngestor(adapter, sink)
	require.NoError(t, p.Start(context.Background()))

	err := adapter.push(validEvent("slack:C1@1.000000"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestIngestorStartIsIdempotent(t *testing.T) {
	adapter := &stubAdapter{}
	p := NewIngestor(adapter, &memoryAppender{})

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 1, adapter.starts)
}

func TestIngestorStopIsIdempotent(t *testing.T) {
	adapter := &stubAdapter{}
	p := NewIngestor(adapter, &memoryAppender{})

	// Stop before start is a no-op.
	require.NoError(t, p.Stop())
	assert.Equal(t, 0, adapter.stops)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, 1, adapter.stops)
}

func TestIngestorStartFailureAllowsRetry(t *testing.T) {
	adapter := &stubAdapter{startErr: errors.New("no session")}
	p := NewIngestor(adapter, &memoryAppender{})

	require.Error(t, p.Start(context.Background()))

	adapter.mu.Lock()
	adapter.startErr = nil
	adapter.mu.Unlock()
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 2, adapter.starts)
}
