package events

import "strings"

// IsValid is the cheap synchronous gate applied at ingestion boundaries.
// It reports structural validity only; it never inspects Detail contents.
func IsValid(e *NormalizedEvent) bool {
	if e == nil {
		return false
	}
	if e.Schema != SchemaVersion {
		return false
	}
	if e.UID == "" {
		return false
	}
	if !e.Source.Known() {
		return false
	}
	if e.Kind == "" {
		return false
	}
	if !strings.Contains(e.TS, "T") {
		return false
	}
	return true
}

// ValidRaw applies the same checks to an untyped record, as readers see them
// when re-scanning log files.
func ValidRaw(raw map[string]interface{}) bool {
	if raw == nil {
		return false
	}
	if s, _ := raw["schema"].(string); s != SchemaVersion {
		return false
	}
	if uid, _ := raw["uid"].(string); uid == "" {
		return false
	}
	src, _ := raw["source"].(string)
	if !Source(src).Known() {
		return false
	}
	if kind, _ := raw["kind"].(string); kind == "" {
		return false
	}
	ts, _ := raw["ts"].(string)
	if !strings.Contains(ts, "T") {
		return false
	}
	if detail, ok := raw["detail"]; ok && detail != nil {
		if _, isMap := detail.(map[string]interface{}); !isMap {
			return false
		}
	}
	return true
}
