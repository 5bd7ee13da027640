package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
)

// maxLineBytes bounds a single record's size when scanning. Event lines are
// small; anything larger is corruption.
const maxLineBytes = 4 << 20

// ReadFile decodes every well-formed record in a JSON-lines file. Malformed
// lines are skipped rather than aborting the read. A missing file yields an
// empty slice and no error.
func ReadFile(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

// CountRecords returns how many well-formed records a file currently holds.
func CountRecords(path string) (int, error) {
	records, err := ReadFile(path)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
