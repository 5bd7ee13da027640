// Package config resolves the runtime configuration of the ingestion core:
// the remote-debugging endpoint, the log data directory, and the display
// timezone. Resolution never performs network I/O and never fails; every
// path falls back to a documented default.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 9222
	DefaultTimezone = "Asia/Tokyo"

	// DefaultEndpointFile is where helper tooling drops the endpoint the
	// chat application was launched with.
	DefaultEndpointFile = ".reaclog/cdp-endpoint.json"
)

// Endpoint locates the remote debugging endpoint of the chat application.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the endpoint in host:port form.
func (e Endpoint) Addr() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// ResolveEndpoint determines the debugging endpoint. Precedence: the
// endpoint file (REACLOG_CDP_ENDPOINT_FILE, default .reaclog/cdp-endpoint.json),
// then CDP_HOST/CDP_PORT, then defaults. A corrupt file is ignored.
func ResolveEndpoint() Endpoint {
	file := os.Getenv("REACLOG_CDP_ENDPOINT_FILE")
	if file == "" {
		file = DefaultEndpointFile
	}
	if data, err := os.ReadFile(file); err == nil {
		var ep Endpoint
		if err := json.Unmarshal(data, &ep); err == nil {
			if ep.Host == "" {
				ep.Host = DefaultHost
			}
			if ep.Port <= 0 {
				ep.Port = DefaultPort
			}
			return ep
		}
	}

	ep := Endpoint{Host: DefaultHost, Port: DefaultPort}
	if host := os.Getenv("CDP_HOST"); host != "" {
		ep.Host = host
	}
	if raw := os.Getenv("CDP_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			ep.Port = port
		}
	}
	return ep
}

// ResolveDataDir returns the root of the event log. REACLOG_DATA_DIR wins
// over DATA_DIR; both fall back to ./data.
func ResolveDataDir() string {
	for _, key := range []string{"REACLOG_DATA_DIR", "DATA_DIR"} {
		if dir := os.Getenv(key); strings.TrimSpace(dir) != "" {
			if abs, err := filepath.Abs(dir); err == nil {
				return abs
			}
			return dir
		}
	}
	if abs, err := filepath.Abs("data"); err == nil {
		return abs
	}
	return "data"
}

// ResolveTimezone loads the display timezone (REACLOG_TZ, default
// Asia/Tokyo). An unknown zone name falls back to the default rather than
// failing startup.
func ResolveTimezone() *time.Location {
	name := os.Getenv("REACLOG_TZ")
	if name == "" {
		name = DefaultTimezone
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}
