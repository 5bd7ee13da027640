package session

import (
	"context"
	"sync"
	"time"

	"reaclog/internal/logging"
)

// State is the supervisor's externally visible phase.
type State string

const (
	StateConnecting   State = "connecting"
	StateRunning      State = "running"
	StateDisconnected State = "disconnected"
	StateErrored      State = "errored"
	StateShuttingDown State = "shutting-down"
)

const (
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Attachment is one live session from the supervisor's point of view.
// *Session satisfies it.
type Attachment interface {
	Wait(ctx context.Context) error
	Close()
}

// Runner is the per-cycle ingestion unit built on top of an attachment.
// *pipeline.Ingestor satisfies it.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
}

// Config wires a Supervisor. Dial establishes a session; Build constructs
// the cycle's runner from it. A fresh runner per cycle keeps caches and
// dedup state scoped to a single session.
type Config struct {
	Dial      func(ctx context.Context) (Attachment, error)
	Build     func(att Attachment) (Runner, error)
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Supervisor reconnects through the session lifecycle until its context is
// cancelled: Connecting -> Running -> (Disconnected | Errored) -> Connecting,
// terminal ShuttingDown.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	state   State
	retries int
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &Supervisor{cfg: cfg, state: StateConnecting}
}

// State reports the current phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives connect/run/teardown cycles until ctx is cancelled. Returns nil
// on clean shutdown; cancellation is the only way out.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logging.Get(logging.CategorySession)

	for {
		if ctx.Err() != nil {
			s.setState(StateShuttingDown)
			return nil
		}
		s.setState(StateConnecting)

		att, err := s.cfg.Dial(ctx)
		if err != nil {
			log.Debugf("connect failed: %v", err)
			if !s.pause(ctx, StateErrored) {
				return nil
			}
			continue
		}

		runner, err := s.cfg.Build(att)
		if err == nil {
			err = runner.Start(ctx)
			if err != nil {
				runner = nil
			}
		}
		if err != nil {
			att.Close()
			log.Debugf("cycle start failed: %v", err)
			if !s.pause(ctx, StateErrored) {
				return nil
			}
			continue
		}

		s.setState(StateRunning)
		s.resetRetries()
		log.Debugf("session running")

		waitErr := att.Wait(ctx)
		_ = runner.Stop()
		att.Close()

		if ctx.Err() != nil {
			s.setState(StateShuttingDown)
			return nil
		}
		log.Debugf("session ended: %v", waitErr)
		if !s.pause(ctx, StateDisconnected) {
			return nil
		}
	}
}

// pause records the failure state, bumps the retry counter, and sleeps the
// backoff delay. Returns false when ctx was cancelled while waiting.
func (s *Supervisor) pause(ctx context.Context, state State) bool {
	s.setState(state)

	s.mu.Lock()
	s.retries++
	retries := s.retries
	s.mu.Unlock()

	delay := s.cfg.BaseDelay * time.Duration(retries)
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	logging.Get(logging.CategorySession).Debugf("retry %d in %s", retries, delay)

	select {
	case <-ctx.Done():
		s.setState(StateShuttingDown)
		return false
	case <-time.After(delay):
		return true
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) resetRetries() {
	s.mu.Lock()
	s.retries = 0
	s.mu.Unlock()
}
