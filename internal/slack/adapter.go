package slack

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"reaclog/internal/events"
	"reaclog/internal/logging"
)

// slackAPIRe matches the API calls worth reconstructing into events.
var slackAPIRe = regexp.MustCompile(`(?i)https://[^/]+\.slack\.com/api/(chat\.postMessage|reactions\.[a-z]+)`)

// maxFrameBytes caps realtime frames considered for cache warming. Larger
// frames are file uploads or bulk syncs, never single messages.
const maxFrameBytes = 512 * 1024

// interceptPatterns narrows request interception to message posts and
// reaction changes. Everything else flows untouched.
var interceptPatterns = []*proto.FetchRequestPattern{
	{URLPattern: "*://*.slack.com/api/chat.postMessage*", RequestStage: proto.FetchRequestStageRequest},
	{URLPattern: "*://*.slack.com/api/reactions.*", RequestStage: proto.FetchRequestStageRequest},
}

// EmitFn receives each reconstructed event exactly once.
type EmitFn = func(*events.NormalizedEvent) error

type messageCacheEntry struct {
	text string
	user string
}

// Options tune one Adapter instance.
type Options struct {
	// Now supplies the clock; nil means time.Now.
	Now func() time.Time
	// Location is the zone events are timestamped in; nil means local.
	Location *time.Location
	// DisableUICapture turns off the rendered-UI fallback entirely.
	DisableUICapture bool
	// Probe runs a one-shot environment probe after start.
	Probe bool
}

// Adapter reconstructs Slack activity events from one attached client
// session. All caches are owned by the instance and die with it; a reconnect
// builds a fresh Adapter.
type Adapter struct {
	page   *rod.Page
	client proto.Client

	now      func() time.Time
	location *time.Location

	captureDisabled bool
	probe           bool

	contexts *contextRegistry

	mu           sync.Mutex
	emit         EmitFn
	cache        map[string]messageCacheEntry
	seenUIDs     map[string]bool
	channelNames map[string]string
	captures     *captureStore
	captureTasks map[string]chan struct{}

	cancel   context.CancelFunc
	waitDone chan struct{}
}

// NewAdapter builds an adapter bound to an attached page session.
func NewAdapter(page *rod.Page, opts Options) *Adapter {
	a := newAdapter(page, opts)
	a.page = page
	return a
}

func newAdapter(client proto.Client, opts Options) *Adapter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	disabled := opts.DisableUICapture
	switch strings.ToLower(os.Getenv("REACLOG_DISABLE_DOM_CAPTURE")) {
	case "1", "true":
		disabled = true
	}
	return &Adapter{
		client:          client,
		now:             now,
		location:        loc,
		captureDisabled: disabled,
		probe:           opts.Probe,
		contexts:        newContextRegistry(),
		cache:           map[string]messageCacheEntry{},
		seenUIDs:        map[string]bool{},
		channelNames:    map[string]string{},
		captures:        newCaptureStore(captureCacheMaxEntries),
		captureTasks:    map[string]chan struct{}{},
	}
}

// Name identifies the adapter in logs and supervisor state.
func (a *Adapter) Name() string { return "slack" }

// Start enables the protocol domains, subscribes the notification handlers,
// and returns. Events flow to emit until Stop or context cancellation.
func (a *Adapter) Start(ctx context.Context, emit EmitFn) error {
	a.mu.Lock()
	if a.emit != nil {
		a.mu.Unlock()
		return fmt.Errorf("slack adapter already started")
	}
	a.emit = emit
	a.mu.Unlock()

	log := logging.Get(logging.CategoryAdapter)

	if err := (proto.NetworkEnable{}).Call(a.client); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(a.client); err != nil {
		return fmt.Errorf("disable network cache: %w", err)
	}
	if err := (proto.RuntimeEnable{}).Call(a.client); err != nil {
		return fmt.Errorf("enable runtime domain: %w", err)
	}
	if err := (proto.FetchEnable{Patterns: interceptPatterns}).Call(a.client); err != nil {
		return fmt.Errorf("enable request interception: %w", err)
	}
	log.Debugf("protocol domains enabled")

	if a.page != nil {
		runCtx, cancel := context.WithCancel(ctx)
		page := a.page.Context(runCtx)

		wait := page.EachEvent(
			func(ev *proto.FetchRequestPaused) {
				// The dispatch loop delivers events sequentially. Request
				// handling can block on UI capture retries and the append
				// path, so each interception runs on its own goroutine;
				// later requests and frame observation keep flowing.
				go a.onRequestPaused(runCtx, ev)
			},
			func(ev *proto.NetworkWebSocketFrameReceived) {
				if ev.Response != nil {
					a.observeFrame(ev.Response.PayloadData)
				}
			},
			func(ev *proto.NetworkWebSocketFrameSent) {
				if ev.Response != nil {
					a.observeFrame(ev.Response.PayloadData)
				}
			},
			func(ev *proto.NetworkResponseReceived) {
				a.onResponseReceived(ev)
			},
			func(ev *proto.RuntimeExecutionContextCreated) {
				a.contexts.noteCreated(ev.Context)
			},
			func(ev *proto.RuntimeExecutionContextDestroyed) {
				a.contexts.noteDestroyed(ev.ExecutionContextID)
			},
		)
		waitDone := make(chan struct{})
		go func() {
			defer close(waitDone)
			wait()
		}()

		a.mu.Lock()
		a.cancel = cancel
		a.waitDone = waitDone
		a.mu.Unlock()
	}

	if a.probe {
		go a.runProbe()
	}
	return nil
}

// Stop disables interception best-effort and clears the emit handle.
// Safe to call more than once.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	started := a.emit != nil
	a.emit = nil
	cancel := a.cancel
	a.cancel = nil
	waitDone := a.waitDone
	a.waitDone = nil
	a.mu.Unlock()

	if !started {
		return nil
	}
	_ = (proto.FetchDisable{}).Call(a.client)
	if cancel != nil {
		cancel()
	}
	if waitDone != nil {
		<-waitDone
	}
	return nil
}

// onRequestPaused is the interception entry point. The continue
// acknowledgement is deferred so it fires exactly once on every exit path;
// skipping it would stall the client's networking.
func (a *Adapter) onRequestPaused(ctx context.Context, ev *proto.FetchRequestPaused) {
	defer func() {
		if err := (proto.FetchContinueRequest{RequestID: ev.RequestID}).Call(a.client); err != nil {
			logging.Get(logging.CategoryFetch).Debugf("continueRequest %s: %v", ev.RequestID, err)
		}
	}()

	for _, event := range a.handleRequest(ctx, ev) {
		a.deliver(event)
	}
}

func (a *Adapter) handleRequest(ctx context.Context, ev *proto.FetchRequestPaused) []*events.NormalizedEvent {
	if ev.Request == nil || ev.Request.Method != "POST" {
		return nil
	}
	if !slackAPIRe.MatchString(ev.Request.URL) {
		return nil
	}
	log := logging.Get(logging.CategoryFetch)
	log.Debugf("intercepted %s", ev.Request.URL)

	requestURL, err := url.Parse(ev.Request.URL)
	if err != nil {
		return nil
	}
	payload := ParseBody(requestBody(ev.Request), headerValue(ev.Request.Headers, "content-type"))
	if payload == nil {
		log.KV("undecodable body", "url", ev.Request.URL)
		return nil
	}
	if logging.Enabled(logging.CategoryFetch) {
		if encoded, err := json.Marshal(logging.Redact(payload)); err == nil {
			log.Debugf("payload %s", encoded)
		}
	}

	switch {
	case strings.HasSuffix(requestURL.Path, "/api/chat.postMessage"):
		if event := a.handleMessagePost(ctx, payload, ev.FrameID); event != nil {
			return []*events.NormalizedEvent{event}
		}
	case strings.Contains(requestURL.Path, "/api/reactions."):
		if event := a.handleReactionChange(ctx, payload, requestURL.Path, ev.FrameID); event != nil {
			return []*events.NormalizedEvent{event}
		}
	}
	return nil
}

func (a *Adapter) handleMessagePost(ctx context.Context, payload map[string]interface{}, frameID proto.PageFrameID) *events.NormalizedEvent {
	channelID := stringField(payload, "channel")
	userID := stringField(payload, "user")
	text := stringField(payload, "text")
	blocks := payload["blocks"]
	rawTS := stringField(payload, "ts")
	tsSeed := rawTS
	if tsSeed == "" {
		tsSeed = stringField(payload, "thread_ts")
	}
	slackTS := resolveMessageTS(tsSeed, a.now())

	// The payload itself usually carries the text. Only fall back to the
	// rendered UI when both the plain text and the block structure are empty.
	var captured *uiCapture
	if channelID != "" && text == "" && TextFromBlocks(blocks) == "" {
		a.captureUIState(ctx, captureCandidate{
			channelID:    channelID,
			ts:           slackTS,
			normalizedTS: slackTS,
			frameID:      frameID,
		})
		a.mu.Lock()
		captured = a.captures.consume(slackTS)
		a.mu.Unlock()
	}

	a.mu.Lock()
	if captured != nil {
		a.cacheChannelNameLocked(captured.channelID, captured.channelName)
	}
	channelName := ""
	if captured != nil {
		channelName = captured.channelName
	}
	if channelName == "" {
		channelName = a.channelNames[channelID]
	}
	if channelName == "" {
		channelName = channelID
	}
	a.cacheChannelNameLocked(channelID, channelName)

	resolvedText := text
	if captured != nil && captured.text != "" {
		resolvedText = captured.text
	}
	if resolvedText == "" {
		resolvedText = TextFromBlocks(blocks)
	}
	if channelID != "" {
		a.cacheMessageLocked(channelID, slackTS, messageCacheEntry{text: resolvedText, user: userID})
		if rawTS != "" && rawTS != slackTS {
			a.cacheMessageLocked(channelID, rawTS, messageCacheEntry{text: resolvedText, user: userID})
		}
	}
	a.mu.Unlock()

	user := userID
	if user == "" {
		user = "unknown"
	}
	return NormalizeMessage(MessagePayload{
		ChannelID:   channelID,
		ChannelName: channelName,
		UserID:      user,
		UserName:    userID,
		TS:          slackTS,
		Text:        text,
		Blocks:      blocks,
		ThreadTS:    stringField(payload, "thread_ts"),
	}, a.now(), a.location)
}

func (a *Adapter) handleReactionChange(ctx context.Context, payload map[string]interface{}, urlPath string, frameID proto.PageFrameID) *events.NormalizedEvent {
	log := logging.Get(logging.CategoryFetch)

	item, _ := payload["item"].(map[string]interface{})
	channelID := stringField(payload, "channel")
	if channelID == "" {
		channelID = stringField(item, "channel")
	}
	rawItemTS := stringField(payload, "timestamp")
	if rawItemTS == "" {
		rawItemTS = stringField(item, "ts")
	}
	normalizedItemTS := NormalizedTimestamp(rawItemTS)
	fallbackTS := resolveMessageTS("", a.now())

	action := "added"
	if strings.HasSuffix(urlPath, ".remove") {
		action = "removed"
	}
	userID := stringField(payload, "user")
	if userID == "" {
		userID = "unknown"
	}
	reaction := stringField(payload, "name")
	if reaction == "" {
		reaction = stringField(payload, "reaction")
	}

	itemTS := firstNonEmpty(rawItemTS, normalizedItemTS, fallbackTS)
	if channelID == "" || itemTS == "" || reaction == "" {
		log.KV("reaction payload missing fields", "channel", channelID, "ts", itemTS, "reaction", reaction)
		return nil
	}

	// Cache lookup first: raw, canonical, then synthesized key.
	a.mu.Lock()
	var cached *messageCacheEntry
	for _, ts := range []string{rawItemTS, normalizedItemTS, fallbackTS} {
		if ts == "" {
			continue
		}
		if entry, ok := a.cache[cacheKey(channelID, ts)]; ok {
			cached = &entry
			break
		}
	}
	a.mu.Unlock()

	// Only reach for the rendered UI when no cached text could resolve
	// the referenced message.
	var captured *uiCapture
	if cached == nil || cached.text == "" {
		candidate := reactionCaptureCandidate(payload, item, channelID, rawItemTS, reaction)
		if candidate != nil {
			candidate.frameID = frameID
			a.captureUIState(ctx, *candidate)
		}
		a.mu.Lock()
		captured = a.captures.consume(itemTS)
		if captured != nil && captured.text != "" {
			a.cacheMessageLocked(channelID, itemTS, messageCacheEntry{text: captured.text})
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	domChannelID := channelID
	if captured != nil && captured.channelID != "" {
		domChannelID = captured.channelID
	}
	if captured != nil {
		a.cacheChannelNameLocked(domChannelID, captured.channelName)
	}
	channelName := a.channelNames[domChannelID]
	if channelName == "" && captured != nil {
		channelName = captured.channelName
	}
	if channelName == "" {
		channelName = channelID
	}
	a.cacheChannelNameLocked(domChannelID, channelName)
	a.mu.Unlock()

	messageText := stringField(payload, "message_text")
	if cached != nil && cached.text != "" {
		messageText = cached.text
	}
	if captured != nil && captured.text != "" {
		messageText = captured.text
	}
	// The UID derives from the payload's acting user only; cache contents
	// never influence it, so re-deriving from the same request is stable.
	userName := stringField(payload, "message_user")
	if userName == "" {
		userName = userID
	}

	return NormalizeReaction(ReactionPayload{
		ChannelID:   channelID,
		ChannelName: channelName,
		UserID:      userID,
		UserName:    userName,
		ItemTS:      itemTS,
		Action:      action,
		Reaction:    reaction,
		EventTS:     stringField(payload, "event_ts"),
		MessageText: messageText,
	}, a.now(), a.location)
}

// reactionPayloadKeys are the type/subtype markers that identify a payload
// as a reaction change even when the URL is ambiguous.
var reactionPayloadKeys = map[string]bool{
	"reaction_added":   true,
	"reaction_removed": true,
	"reactions.add":    true,
	"reactions.remove": true,
}

func reactionCaptureCandidate(payload, item map[string]interface{}, channelID, rawItemTS, reaction string) *captureCandidate {
	indicatesReaction := reaction != "" ||
		reactionPayloadKeys[stringField(payload, "type")] ||
		reactionPayloadKeys[stringField(payload, "subtype")]
	if !indicatesReaction {
		return nil
	}

	ts := firstNonEmpty(
		stringField(item, "message_ts"),
		stringField(item, "ts"),
		stringField(payload, "message_ts"),
		stringField(payload, "event_ts"),
		rawItemTS,
		stringField(payload, "ts"),
	)
	if ts == "" {
		return nil
	}

	normalized := NormalizedTimestamp(ts)
	if normalized == "" {
		normalized = ts
	}
	return &captureCandidate{channelID: channelID, ts: ts, normalizedTS: normalized}
}

// observeFrame warms the message cache from realtime push frames. It never
// emits events itself; the same action also surfaces through interception.
func (a *Adapter) observeFrame(payload string) {
	if payload == "" || len(payload) > maxFrameBytes {
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return
	}

	channel := stringField(data, "channel")
	switch data["type"] {
	case "message":
		if nested, ok := data["message"].(map[string]interface{}); ok {
			// message_changed style envelope sometimes arrives as plain
			// "message" with the edit nested one level down.
			if ts := stringField(nested, "ts"); channel != "" && ts != "" {
				a.cacheMessage(channel, ts, messageCacheEntry{
					text: TextFromBlocks(nested["blocks"]),
					user: stringField(nested, "user"),
				})
				return
			}
		}
		if ts := stringField(data, "ts"); channel != "" && ts != "" {
			a.cacheMessage(channel, ts, messageCacheEntry{
				text: TextFromBlocks(data["blocks"]),
				user: stringField(data, "user"),
			})
		}
	case "message_changed":
		nested, ok := data["message"].(map[string]interface{})
		if !ok {
			return
		}
		if ts := stringField(nested, "ts"); channel != "" && ts != "" {
			a.cacheMessage(channel, ts, messageCacheEntry{
				text: TextFromBlocks(nested["blocks"]),
				user: stringField(nested, "user"),
			})
		}
	case "thread_broadcast":
		if rootTS := stringField(data, "root_ts"); channel != "" && rootTS != "" {
			a.cacheMessage(channel, rootTS, messageCacheEntry{
				text: TextFromBlocks(data["blocks"]),
				user: stringField(data, "user"),
			})
		}
	}
}

// onResponseReceived fetches matched API response bodies and mines them for
// embedded message objects. Fire and forget; failures only warm less cache.
func (a *Adapter) onResponseReceived(ev *proto.NetworkResponseReceived) {
	if ev.Response == nil || !slackAPIRe.MatchString(ev.Response.URL) {
		return
	}
	go func() {
		result, err := proto.NetworkGetResponseBody{RequestID: ev.RequestID}.Call(a.client)
		if err != nil || result == nil {
			return
		}
		body := result.Body
		if result.Base64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(body)
			if err != nil {
				return
			}
			body = string(decoded)
		}
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(body), &data); err != nil {
			return
		}
		message, ok := data["message"].(map[string]interface{})
		if !ok {
			message, ok = data["item"].(map[string]interface{})
		}
		if !ok {
			return
		}
		channel := stringField(message, "channel")
		ts := stringField(message, "ts")
		if channel == "" || ts == "" {
			return
		}
		a.cacheMessage(channel, ts, messageCacheEntry{
			text: TextFromBlocks(message["blocks"]),
			user: stringField(message, "user"),
		})
		logging.Get(logging.CategoryNetwork).Debugf("cached message %s@%s from response body", channel, ts)
	}()
}

// deliver emits an event unless its UID was already emitted this session.
func (a *Adapter) deliver(event *events.NormalizedEvent) {
	if event == nil || event.UID == "" {
		return
	}

	a.mu.Lock()
	emit := a.emit
	seen := a.seenUIDs[event.UID]
	if !seen {
		a.seenUIDs[event.UID] = true
	}
	a.mu.Unlock()

	if seen || emit == nil {
		return
	}
	logging.Get(logging.CategoryAdapter).Debugf("deliver %s", event.UID)
	if err := emit(event); err != nil {
		logging.Get(logging.CategoryAdapter).Debugf("emit %s: %v", event.UID, err)
	}
}

func (a *Adapter) cacheMessage(channel, ts string, entry messageCacheEntry) {
	a.mu.Lock()
	a.cacheMessageLocked(channel, ts, entry)
	a.mu.Unlock()
}

func (a *Adapter) cacheMessageLocked(channel, ts string, entry messageCacheEntry) {
	if channel == "" || ts == "" {
		return
	}
	a.cache[cacheKey(channel, ts)] = entry
}

func (a *Adapter) cacheChannelNameLocked(channelID, label string) {
	channelID = strings.TrimSpace(channelID)
	label = strings.TrimSpace(label)
	if channelID == "" || label == "" || label == channelID {
		return
	}
	a.channelNames[channelID] = label
}

func cacheKey(channel, ts string) string {
	return channel + "@" + ts
}

func requestBody(req *proto.NetworkRequest) string {
	if req.PostData != "" {
		return req.PostData
	}
	var body strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry != nil {
			body.Write(entry.Bytes)
		}
	}
	return body.String()
}

func headerValue(headers proto.NetworkHeaders, key string) string {
	for name, value := range headers {
		if strings.EqualFold(name, key) {
			return value.Str()
		}
	}
	return ""
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
