// Package slack reconstructs canonical activity events from the Slack
// desktop client's intercepted traffic and rendered UI state.
package slack

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"reaclog/internal/events"
)

// MessagePayload is the extracted shape of a chat.postMessage call.
type MessagePayload struct {
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string
	TS          string
	Text        string
	Blocks      interface{}
	ThreadTS    string
}

// ReactionPayload is the extracted shape of a reactions.add/remove call.
// MessageText is the referenced message's text as recovered from the cache
// or a UI capture; it may be empty when nothing could resolve it.
type ReactionPayload struct {
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string
	ItemTS      string
	Action      string
	Reaction    string
	EventTS     string
	MessageText string
}

// NormalizeMessage builds the canonical post event for a sent message.
// The UID derives purely from channel and timestamp, so re-normalizing the
// same payload always yields the same UID.
func NormalizeMessage(p MessagePayload, now time.Time, loc *time.Location) *events.NormalizedEvent {
	channelName := p.ChannelName
	if channelName == "" {
		channelName = p.ChannelID
	}
	actor := p.UserName
	if actor == "" {
		actor = p.UserID
	}

	return &events.NormalizedEvent{
		Schema:   events.SchemaVersion,
		Source:   events.SourceSlack,
		Kind:     "post",
		UID:      fmt.Sprintf("slack:%s@%s", p.ChannelID, p.TS),
		Actor:    actor,
		Subject:  strings.TrimSpace(fmt.Sprintf("[#%s] %s", channelName, p.Text)),
		TS:       slackTSToISO(p.TS, loc),
		LoggedAt: formatInZone(now, loc),
		Meta: map[string]string{
			"channel": "#" + channelName,
		},
		Detail: &events.Detail{
			Slack: &events.SlackDetail{
				ChannelID:   p.ChannelID,
				ChannelName: p.ChannelName,
				Text:        p.Text,
				Blocks:      p.Blocks,
				ThreadTS:    p.ThreadTS,
			},
		},
	}
}

// NormalizeReaction builds the canonical reaction event. The UID carries the
// reaction name, action, and acting user on top of channel and item
// timestamp, so add and remove of the same emoji stay distinct records.
func NormalizeReaction(p ReactionPayload, now time.Time, loc *time.Location) *events.NormalizedEvent {
	channelName := p.ChannelName
	if channelName == "" {
		channelName = p.ChannelID
	}
	actor := p.UserName
	if actor == "" {
		actor = p.UserID
	}
	ts := p.EventTS
	if ts == "" {
		ts = p.ItemTS
	}

	return &events.NormalizedEvent{
		Schema:   events.SchemaVersion,
		Source:   events.SourceSlack,
		Kind:     "reaction",
		Action:   p.Action,
		UID:      fmt.Sprintf("slack:%s@%s:%s:%s:%s", p.ChannelID, p.ItemTS, p.Reaction, p.Action, p.UserID),
		Actor:    actor,
		Subject:  fmt.Sprintf("[#%s] reaction %s", channelName, p.Reaction),
		TS:       slackTSToISO(ts, loc),
		LoggedAt: formatInZone(now, loc),
		Meta: map[string]string{
			"channel": "#" + channelName,
			"emoji":   p.Reaction,
		},
		Detail: &events.Detail{
			Slack: &events.SlackDetail{
				ChannelID:   p.ChannelID,
				ChannelName: p.ChannelName,
				Text:        p.MessageText,
				MessageTS:   p.ItemTS,
				Emoji:       p.Reaction,
				User:        actor,
			},
		},
	}
}

// slackTSToISO converts a Slack "seconds.micros" timestamp into ISO-8601
// with the target zone's offset. Sub-second precision is dropped; the raw
// timestamp survives verbatim inside the UID and detail fields.
func slackTSToISO(ts string, loc *time.Location) string {
	seconds, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return formatInZone(time.Time{}, loc)
	}
	return formatInZone(time.Unix(int64(seconds), 0), loc)
}

func formatInZone(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02T15:04:05-07:00")
}

// NormalizedTimestamp canonicalizes any parseable fractional-seconds string
// into "seconds.micros" with exactly six fractional digits. Returns "" for
// non-numeric input.
func NormalizedTimestamp(ts string) string {
	if ts == "" {
		return ""
	}
	parsed, err := strconv.ParseFloat(ts, 64)
	if err != nil || math.IsInf(parsed, 0) || math.IsNaN(parsed) {
		return ""
	}
	seconds := math.Floor(parsed)
	micros := int(math.Round((parsed - seconds) * 1_000_000))
	return fmt.Sprintf("%d.%06d", int64(seconds), micros)
}

// resolveMessageTS returns the canonical form of ts, or synthesizes
// "epochSeconds.millis000" from the clock when ts is absent or unparseable.
func resolveMessageTS(ts string, now time.Time) string {
	if normalized := NormalizedTimestamp(ts); normalized != "" {
		return normalized
	}
	return fmt.Sprintf("%d.%03d000", now.Unix(), now.Nanosecond()/int(time.Millisecond))
}
