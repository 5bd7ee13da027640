// Package jsonl persists canonical events as append-only JSON-lines files
// partitioned by date and source, and reads them back tolerantly.
package jsonl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"reaclog/internal/events"
	"reaclog/internal/logging"
)

const fileName = "events.jsonl"

// Writer appends events under <dataDir>/<YYYY>/<MM>/<DD>/<source>/events.jsonl.
// It holds no mutable state, so a single Writer is safe to reuse across
// reconnect cycles.
type Writer struct {
	dataDir  string
	location *time.Location
}

// NewWriter builds a writer rooted at dataDir. Partition dates are derived
// in loc; a nil loc means local time.
func NewWriter(dataDir string, loc *time.Location) *Writer {
	if loc == nil {
		loc = time.Local
	}
	return &Writer{dataDir: dataDir, location: loc}
}

// PartitionPath returns the file an event with the given logged_at lands in.
func (w *Writer) PartitionPath(loggedAt time.Time, source events.Source) string {
	t := loggedAt.In(w.location)
	return filepath.Join(
		w.dataDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		string(source),
		fileName,
	)
}

// Append writes one event as a single compact JSON line. When the event has
// no logged_at, the current time is stamped onto it first so the persisted
// line matches the partition it lives in. An unparseable logged_at is kept
// on the line as-is and the event partitions under the current time. A
// failed write retries once after recreating the directory, covering the
// race with external cleanup.
func (w *Writer) Append(event *events.NormalizedEvent) error {
	loggedAt := time.Now().In(w.location)
	if event.LoggedAt != "" {
		parsed, err := time.Parse(time.RFC3339, event.LoggedAt)
		if err != nil {
			logging.Get(logging.CategoryWriter).Debugf("unparseable logged_at %q on %s, partitioning by current time", event.LoggedAt, event.UID)
		} else {
			loggedAt = parsed.In(w.location)
		}
	} else {
		event.LoggedAt = loggedAt.Format("2006-01-02T15:04:05-07:00")
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.UID, err)
	}
	line = append(line, '\n')

	path := w.PartitionPath(loggedAt, event.Source)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create partition %s: %w", dir, err)
	}

	if err := appendLine(path, line); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("append %s: %w", path, err)
		}
		// Directory vanished between MkdirAll and the write.
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("recreate partition %s: %w", dir, err)
		}
		if err := appendLine(path, line); err != nil {
			return fmt.Errorf("append %s after retry: %w", path, err)
		}
	}

	logging.Get(logging.CategoryWriter).Debugf("appended %s to %s", event.UID, path)
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(line)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}
