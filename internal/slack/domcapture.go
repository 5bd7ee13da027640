package slack

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"reaclog/internal/logging"
)

const (
	captureCacheMaxEntries = 200
	captureExcerptLength   = 80
)

// captureRetryDelays spaces the evaluation attempts out because the client
// may not have rendered the target message yet at interception time.
var captureRetryDelays = []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// captureCandidate identifies one message to recover from the rendered UI.
type captureCandidate struct {
	channelID    string
	ts           string
	normalizedTS string
	frameID      proto.PageFrameID
}

// uiCapture is a recovered message, indexed under every timestamp variant
// that could reference it.
type uiCapture struct {
	text        string
	channelName string
	channelID   string
	capturedAt  time.Time
}

// captureStore bounds the capture cache to captureCacheMaxEntries, evicting
// oldest-by-capture-time first. Entries are consumed on read.
type captureStore struct {
	entries map[string]*uiCapture
	max     int
}

func newCaptureStore(max int) *captureStore {
	return &captureStore{entries: map[string]*uiCapture{}, max: max}
}

func (s *captureStore) put(keys []string, entry *uiCapture) {
	for _, key := range keys {
		if key != "" {
			s.entries[key] = entry
		}
	}
	s.prune()
}

func (s *captureStore) prune() {
	for len(s.entries) > s.max {
		oldestKey := ""
		var oldest time.Time
		for key, entry := range s.entries {
			if oldestKey == "" || entry.capturedAt.Before(oldest) {
				oldestKey = key
				oldest = entry.capturedAt
			}
		}
		delete(s.entries, oldestKey)
	}
}

// consume retrieves the capture stored under ts or its canonical form,
// then removes both keys so a stale capture cannot satisfy a later event.
func (s *captureStore) consume(ts string) *uiCapture {
	if ts == "" {
		return nil
	}
	keys := []string{ts}
	if normalized := NormalizedTimestamp(ts); normalized != "" && normalized != ts {
		keys = append(keys, normalized)
	}
	var entry *uiCapture
	for _, key := range keys {
		if stored, ok := s.entries[key]; ok {
			entry = stored
		}
	}
	if entry == nil {
		return nil
	}
	for _, key := range keys {
		delete(s.entries, key)
	}
	return entry
}

func (s *captureStore) len() int {
	return len(s.entries)
}

// evalOutcome is the decoded result of one capture-script evaluation.
type evalOutcome struct {
	Status         string   `json:"status"`
	Error          string   `json:"error"`
	Text           string   `json:"text"`
	Channel        string   `json:"channel"`
	ChannelID      string   `json:"channelId"`
	MatchedTS      []string `json:"matchedTs"`
	CandidateCount int      `json:"candidateCount"`
	SampleTS       []string `json:"sampleTs"`
	HasBody        bool     `json:"hasBody"`
}

// captureUIState runs a UI capture for the candidate, coalescing concurrent
// callers per normalized timestamp key: only one evaluation runs at a time
// for a given key, and late arrivals block on its completion instead of
// issuing their own.
func (a *Adapter) captureUIState(ctx context.Context, candidate captureCandidate) {
	if a.captureDisabled {
		return
	}
	key := candidate.normalizedTS
	if key == "" {
		return
	}

	a.mu.Lock()
	if inflight, ok := a.captureTasks[key]; ok {
		a.mu.Unlock()
		<-inflight
		return
	}
	done := make(chan struct{})
	a.captureTasks[key] = done
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.captureTasks, key)
		a.mu.Unlock()
		close(done)
	}()

	a.runUICapture(ctx, candidate)
}

func (a *Adapter) runUICapture(ctx context.Context, candidate captureCandidate) {
	log := logging.Get(logging.CategoryDOMCapture)

	variants := tsVariants(candidate)
	if len(variants) == 0 {
		return
	}

	for _, delay := range captureRetryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		outcome := a.evaluateCapture(candidate.frameID, variants)
		if outcome == nil {
			continue
		}
		if outcome.Status != "" || outcome.Error != "" {
			log.KV("capture attempt failed",
				"ts", candidate.normalizedTS,
				"status", outcome.Status,
				"error", outcome.Error,
				"candidates", outcome.CandidateCount)
			continue
		}
		if outcome.Text == "" {
			continue
		}

		entry := &uiCapture{
			text:        outcome.Text,
			channelName: outcome.Channel,
			channelID:   outcome.ChannelID,
			capturedAt:  time.Now(),
		}
		if entry.channelID == "" {
			entry.channelID = candidate.channelID
		}
		keys := append(variants, outcome.MatchedTS...)

		a.mu.Lock()
		a.captures.put(keys, entry)
		if entry.channelID != "" {
			a.cacheChannelNameLocked(entry.channelID, entry.channelName)
			a.cacheMessageLocked(entry.channelID, candidate.normalizedTS, messageCacheEntry{text: entry.text})
		}
		a.mu.Unlock()

		log.KV("captured message from UI",
			"ts", candidate.normalizedTS,
			"channel", entry.channelName,
			"excerpt", excerpt(entry.text))
		return
	}

	log.KV("capture gave up", "ts", candidate.normalizedTS, "channel", candidate.channelID)
}

// evaluateCapture tries the capture script across the candidate execution
// contexts for the frame, stopping at the first conclusive answer. A nil
// return means no context produced anything usable.
func (a *Adapter) evaluateCapture(frameID proto.PageFrameID, needles []string) *evalOutcome {
	needlesJSON, err := json.Marshal(needles)
	if err != nil {
		return nil
	}
	selectorsJSON, err := json.Marshal(map[string][]string{
		"root":    captureRootSelectors,
		"body":    captureBodySelectors,
		"channel": captureChannelSelectors,
	})
	if err != nil {
		return nil
	}
	debugMode := "false"
	if logging.Enabled(logging.CategoryDOMCapture) {
		debugMode = "true"
	}
	expression := captureScript + "(" + string(needlesJSON) + ", " + string(selectorsJSON) + ", " + debugMode + ")"

	var lastFailure *evalOutcome
	for _, contextID := range a.contexts.resolve(frameID) {
		result, err := proto.RuntimeEvaluate{
			Expression:    expression,
			ContextID:     contextID,
			ReturnByValue: true,
		}.Call(a.client)
		if err != nil || result == nil || result.Result == nil {
			continue
		}
		raw, err := result.Result.Value.MarshalJSON()
		if err != nil {
			continue
		}
		var outcome evalOutcome
		if err := json.Unmarshal(raw, &outcome); err != nil {
			continue
		}
		if outcome.Error != "" {
			continue
		}
		if outcome.Status != "" {
			lastFailure = &outcome
			continue
		}
		if outcome.Text != "" {
			return &outcome
		}
	}
	return lastFailure
}

// runProbe checks once whether the page environment is reachable from any
// known execution context. Diagnostic only.
func (a *Adapter) runProbe() {
	log := logging.Get(logging.CategoryDOMCapture)
	for _, contextID := range a.contexts.resolve("") {
		result, err := proto.RuntimeEvaluate{
			Expression:    probeScript,
			ContextID:     contextID,
			ReturnByValue: true,
		}.Call(a.client)
		if err != nil {
			log.KV("probe context error", "context", int(contextID), "error", err)
			continue
		}
		if result == nil || result.Result == nil {
			continue
		}
		raw, err := result.Result.Value.MarshalJSON()
		if err != nil {
			continue
		}
		log.KV("probe result", "context", int(contextID), "value", string(raw))
		var probe struct {
			OK bool `json:"ok"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.OK {
			return
		}
	}
}

func tsVariants(candidate captureCandidate) []string {
	seen := map[string]bool{}
	var variants []string
	for _, value := range []string{candidate.ts, candidate.normalizedTS, NormalizedTimestamp(candidate.ts)} {
		if value != "" && !seen[value] {
			seen[value] = true
			variants = append(variants, value)
		}
	}
	return variants
}

func excerpt(text string) string {
	if len(text) <= captureExcerptLength {
		return text
	}
	return text[:captureExcerptLength] + "..."
}
