// Package session attaches to the Slack desktop client over its remote
// debugging endpoint and supervises the attachment across disconnects.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"reaclog/internal/config"
	"reaclog/internal/logging"
)

// ErrNoTarget means the debugging endpoint is reachable but no Slack window
// is open on it.
var ErrNoTarget = fmt.Errorf(
	"no Slack window found on the debugging endpoint; start the Slack desktop app with remote debugging enabled (e.g. slack --remote-debugging-port=9222)")

const healthCheckInterval = 5 * time.Second

// Session is one live attachment to a Slack window.
type Session struct {
	Browser   *rod.Browser
	Page      *rod.Page
	TargetURL string

	client         proto.Client
	targetID       proto.TargetTargetID
	healthInterval time.Duration
	cancel         context.CancelFunc
}

// Connect resolves the endpoint's control URL, picks the first page target on
// a slack.com URL, and attaches a dedicated session to it.
func Connect(ctx context.Context, endpoint config.Endpoint) (*Session, error) {
	log := logging.Get(logging.CategorySession)

	controlURL, err := launcher.ResolveURL(endpoint.Addr())
	if err != nil {
		return nil, fmt.Errorf("resolve debugging endpoint %s: %w", endpoint.Addr(), err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(sessCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to debugging endpoint %s: %w", endpoint.Addr(), err)
	}

	target, err := findSlackTarget(browser)
	if err != nil {
		_ = browser.Close()
		cancel()
		return nil, err
	}

	page, err := browser.PageFromTarget(target.TargetID)
	if err != nil {
		_ = browser.Close()
		cancel()
		return nil, fmt.Errorf("attach to target %s: %w", target.URL, err)
	}

	log.Debugf("attached to %s", target.URL)
	return &Session{
		Browser:   browser,
		Page:      page,
		TargetURL: target.URL,
		client:    browser,
		targetID:  target.TargetID,
		cancel:    cancel,
	}, nil
}

func findSlackTarget(browser *rod.Browser) (*proto.TargetTargetInfo, error) {
	result, err := proto.TargetGetTargets{}.Call(browser)
	if err != nil {
		return nil, fmt.Errorf("list debugging targets: %w", err)
	}
	for _, info := range result.TargetInfos {
		if info.Type != "page" && info.Type != "webview" {
			continue
		}
		if strings.Contains(info.URL, "slack.com") {
			return info, nil
		}
	}
	return nil, ErrNoTarget
}

// Wait blocks until the session dies or ctx is cancelled. Health is probed
// by polling both the endpoint and the attached target; a live endpoint
// whose Slack window was closed or reloaded is still a dead session.
func (s *Session) Wait(ctx context.Context) error {
	interval := s.healthInterval
	if interval <= 0 {
		interval = healthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.probe(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) probe() error {
	if _, err := (proto.BrowserGetVersion{}).Call(s.client); err != nil {
		return fmt.Errorf("session lost: %w", err)
	}
	info, err := (proto.TargetGetTargetInfo{TargetID: s.targetID}).Call(s.client)
	if err != nil {
		return fmt.Errorf("target %s gone: %w", s.TargetURL, err)
	}
	if info == nil || info.TargetInfo == nil {
		return fmt.Errorf("target %s gone", s.TargetURL)
	}
	return nil
}

// Close detaches. Tolerates the client already being gone.
func (s *Session) Close() {
	if s.Browser != nil {
		_ = s.Browser.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}
