// Package logging provides token-gated categorized debug logging for the
// capture core. Categories map to subsystems (session, fetch, network, ...)
// and are enabled through the comma-separated REACLOG_DEBUG variable, e.g.
// REACLOG_DEBUG=slack:fetch,slack:domprobe or REACLOG_DEBUG=all.
// When a category is disabled its logger is a silent no-op, so call sites
// never guard their own logging.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category names a debug-log stream. Each enabled category writes to its own
// dated file under the logs directory.
type Category string

const (
	CategorySession    Category = "session"        // target discovery, attach, reconnect cycles
	CategoryAdapter    Category = "slack"          // adapter-level decisions, delivered events
	CategoryFetch      Category = "slack:fetch"    // intercepted request traffic
	CategoryNetwork    Category = "slack:network"  // websocket frames, response bodies
	CategoryRuntime    Category = "slack:runtime"  // execution-context lifecycle
	CategoryDOMCapture Category = "slack:domprobe" // UI-state fallback captures
	CategoryWriter     Category = "writer"         // log appends
	CategoryTail       Category = "tail"           // tail distributor activity
)

// Logger writes to one category's file. The zero Logger (or any logger for a
// disabled category) discards everything.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	mu      sync.Mutex
	loggers = map[Category]*Logger{}
	logsDir string
	tokens  map[string]bool
)

// Initialize sets the logs directory and parses REACLOG_DEBUG. Safe to call
// once at startup; until then every logger is a no-op.
func Initialize(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	tokens = parseTokens(os.Getenv("REACLOG_DEBUG"))
	if len(tokens) == 0 {
		return nil
	}
	if dir == "" {
		dir = filepath.Join(".reaclog", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	logsDir = dir
	return nil
}

func parseTokens(raw string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

// Enabled reports whether a category's output is wanted. "all" enables
// everything; "slack:verbose" additionally enables every slack:* category.
func Enabled(category Category) bool {
	mu.Lock()
	defer mu.Unlock()
	return enabledLocked(category)
}

func enabledLocked(category Category) bool {
	if tokens == nil {
		return false
	}
	if tokens["all"] {
		return true
	}
	name := string(category)
	if tokens[name] {
		return true
	}
	if strings.HasPrefix(name, "slack") && tokens["slack:verbose"] {
		return true
	}
	return false
}

// Get returns the logger for a category, creating its file on first use.
func Get(category Category) *Logger {
	mu.Lock()
	defer mu.Unlock()

	if !enabledLocked(category) || logsDir == "" {
		return &Logger{category: category}
	}
	if l, ok := loggers[category]; ok {
		return l
	}

	name := strings.ReplaceAll(string(category), ":", "_")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), name))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debugf writes a formatted line, or nothing when the category is disabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf("[%s] %s", l.category, fmt.Sprintf(format, args...))
}

// KV writes a message followed by key=value pairs, the concise form used for
// traffic payload previews. Pairs must come in (key, value) order.
func (l *Logger) KV(msg string, pairs ...interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", pairs[i], pairs[i+1])
	}
	l.logger.Printf("[%s] %s", l.category, b.String())
}

// CloseAll closes every open log file. Call at shutdown.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = map[Category]*Logger{}
}

// Redact masks credential-bearing values before a payload reaches a debug
// log. Keys matching token or cookie (case-insensitive) are replaced.
func Redact(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		lower := strings.ToLower(k)
		if _, isString := v.(string); isString &&
			(strings.Contains(lower, "token") || strings.Contains(lower, "cookie")) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
