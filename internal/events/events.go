// Package events defines the canonical activity event record shared by the
// ingestion pipeline, the on-disk log, and every downstream reader.
package events

// SchemaVersion is the only schema tag this build reads or writes. Consumers
// must reject records carrying any other value.
const SchemaVersion = "reaclog.event.v1.1"

// Source identifies the originating platform of an event. The set is closed;
// extending it means adding a constant here and a branch to the Detail union.
type Source string

const (
	SourceSlack    Source = "slack"
	SourceGitHub   Source = "github"
	SourceGitLocal Source = "git-local"
)

// Known reports whether s is one of the declared Source values.
func (s Source) Known() bool {
	switch s {
	case SourceSlack, SourceGitHub, SourceGitLocal:
		return true
	}
	return false
}

// SlackDetail carries the Slack-native fields preserved for later enrichment
// and rendering. Post events fill the text/blocks side; reaction events fill
// the message_ts/emoji side. Both share the channel fields.
type SlackDetail struct {
	ChannelID   string      `json:"channel_id"`
	ChannelName string      `json:"channel_name,omitempty"`
	Text        string      `json:"text,omitempty"`
	Blocks      interface{} `json:"blocks,omitempty"`
	ThreadTS    string      `json:"thread_ts,omitempty"`
	MessageTS   string      `json:"message_ts,omitempty"`
	Emoji       string      `json:"emoji,omitempty"`
	User        string      `json:"user,omitempty"`
}

// Detail is the per-source tagged union attached to a NormalizedEvent.
// Exactly one member is expected to be set, matching the event's Source.
type Detail struct {
	Slack    *SlackDetail           `json:"slack,omitempty"`
	GitHub   map[string]interface{} `json:"github,omitempty"`
	GitLocal map[string]interface{} `json:"git_local,omitempty"`
}

// NormalizedEvent is the immutable unit of record. Once appended to the log
// it is never rewritten.
//
// UID grammar: source:channel@timestamp[:reaction:action:user]. Re-deriving
// the UID from the same raw input always yields the same value; downstream
// deduplication depends on that.
type NormalizedEvent struct {
	Schema   string            `json:"schema"`
	UID      string            `json:"uid"`
	Source   Source            `json:"source"`
	Kind     string            `json:"kind"`
	Action   string            `json:"action,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	TS       string            `json:"ts"`
	LoggedAt string            `json:"logged_at,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	Detail   *Detail           `json:"detail,omitempty"`
}
