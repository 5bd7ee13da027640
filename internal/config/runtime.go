package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Runtime is the optional reaclog.config.json consumed at startup. Every
// field is optional; a missing or empty file yields zero values and the
// environment/defaults take over.
type Runtime struct {
	Timezone string `json:"timezone,omitempty"`
	DataDir  string `json:"dataDir,omitempty"`
	Slack    struct {
		Enabled *bool `json:"enabled,omitempty"`
	} `json:"slack,omitempty"`
}

// SlackEnabled defaults to true when the config leaves it unset.
func (r Runtime) SlackEnabled() bool {
	if r.Slack.Enabled == nil {
		return true
	}
	return *r.Slack.Enabled
}

// Location resolves the configured timezone, deferring to the environment
// resolution when the config does not name one.
func (r Runtime) Location() *time.Location {
	if r.Timezone == "" {
		return ResolveTimezone()
	}
	if loc, err := time.LoadLocation(r.Timezone); err == nil {
		return loc
	}
	return ResolveTimezone()
}

// LoadRuntime reads the runtime config file. A missing or empty file is not
// an error; a present but unparsable file is.
func LoadRuntime(path string) (Runtime, error) {
	var rt Runtime
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rt, nil
		}
		return rt, fmt.Errorf("read runtime config %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return rt, nil
	}
	if err := json.Unmarshal(data, &rt); err != nil {
		return rt, fmt.Errorf("parse runtime config %s: %w", path, err)
	}
	return rt, nil
}
