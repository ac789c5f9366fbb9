package message

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxLineBytes bounds a single export line. Longer lines are skipped.
const maxLineBytes = 1024 * 1024

// exportLine is one line of a mailbox metadata export.
type exportLine struct {
	ID           string          `json:"id"`
	InternalDate json.RawMessage `json:"internalDate"`
	LabelIDs     []string        `json:"labelIds"`
}

// FileSource reads records from a JSON-lines export file.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by the export at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Messages returns the records whose timestamp falls in [from, to).
// Lines that cannot be parsed are returned as nil placeholders.
func (s *FileSource) Messages(ctx context.Context, from, to time.Time) ([]*Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open export %s: %w", s.path, err)
	}
	defer f.Close()

	lo, hi := from.UnixMilli(), to.UnixMilli()

	var records []*Record
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, oversized, err := readLine(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read export %s: %w", s.path, err)
		}
		if oversized {
			records = append(records, nil)
			continue
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		rec := parseLine([]byte(line))
		if rec == nil {
			records = append(records, nil)
			continue
		}
		if rec.Timestamp < lo || rec.Timestamp >= hi {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// readLine returns the next line without its terminator. A line longer than
// maxLineBytes is consumed and reported as oversized with no content.
func readLine(r *bufio.Reader) ([]byte, bool, error) {
	var (
		buf       []byte
		oversized bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if !oversized {
			if len(buf)+len(chunk) > maxLineBytes {
				oversized, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return buf, oversized, nil
		}
	}
}

func parseLine(b []byte) *Record {
	var l exportLine
	if err := json.Unmarshal(b, &l); err != nil {
		return nil
	}
	ms, ok := parseInternalDate(l.InternalDate)
	if !ok {
		return nil
	}
	return NewRecord(l.ID, ms, l.LabelIDs)
}

// parseInternalDate accepts epoch milliseconds as a JSON number or string.
func parseInternalDate(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := strings.Trim(string(raw), `"`)
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
