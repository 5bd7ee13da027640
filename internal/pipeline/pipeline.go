// Package pipeline wires a traffic adapter to the append-only log: events
// the adapter reconstructs are validated and persisted, invalid ones are
// dropped before they reach disk.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"reaclog/internal/events"
	"reaclog/internal/jsonl"
	"reaclog/internal/logging"
)

// EmitFn receives each reconstructed event.
type EmitFn = func(*events.NormalizedEvent) error

// Adapter is a source of normalized events bound to one session.
type Adapter interface {
	Name() string
	Start(ctx context.Context, emit EmitFn) error
	Stop() error
}

// Appender persists one canonical event. *jsonl.Writer satisfies it.
type Appender interface {
	Append(event *events.NormalizedEvent) error
}

var _ Appender = (*jsonl.Writer)(nil)

// Ingestor runs one adapter for one session lifetime. Start and Stop are
// idempotent.
type Ingestor struct {
	adapter Adapter
	writer  Appender

	mu      sync.Mutex
	started bool
}

func NewIngestor(adapter Adapter, writer Appender) *Ingestor {
	return &Ingestor{adapter: adapter, writer: writer}
}

// Start validates-then-appends every event the adapter emits. A second call
// while running is a no-op.
func (p *Ingestor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	log := logging.Get(logging.CategoryWriter)
	emit := func(event *events.NormalizedEvent) error {
		if !events.IsValid(event) {
			log.Debugf("dropped invalid event uid=%q", eventUID(event))
			return nil
		}
		if err := p.writer.Append(event); err != nil {
			return fmt.Errorf("append %s: %w", event.UID, err)
		}
		return nil
	}

	if err := p.adapter.Start(ctx, emit); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return fmt.Errorf("start %s adapter: %w", p.adapter.Name(), err)
	}
	return nil
}

// Stop tears the adapter down. Safe before Start and safe to repeat.
func (p *Ingestor) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	return p.adapter.Stop()
}

func eventUID(event *events.NormalizedEvent) string {
	if event == nil {
		return ""
	}
	return event.UID
}
