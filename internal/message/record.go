package message

import (
	"context"
	"time"
)

// Package message provides the message metadata consumed by the forecasting
// pipeline.
//
// Responsibilities:
//   - Define the immutable Record shape produced by a message source
//   - Define the Source contract used by the trainer
//   - Read exported mailbox metadata from JSON-lines files

// Well-known labels that mark a record as outgoing or chat traffic.
const (
	LabelSent = "SENT"
	LabelChat = "CHAT"
)

// Record is the metadata of a single message.
type Record struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
	Labels    []string `json:"labels,omitempty"`
	IsSent    bool     `json:"is_sent"`
	IsChat    bool     `json:"is_chat"`
}

// Time resolves the record timestamp in loc.
func (r *Record) Time(loc *time.Location) time.Time {
	return time.UnixMilli(r.Timestamp).In(loc)
}

// Incoming reports whether the record counts as incoming traffic.
func (r *Record) Incoming() bool {
	return !r.IsSent && !r.IsChat
}

// Valid reports whether the record is well formed. Sources may hand back
// placeholder entries for messages they failed to fetch.
func (r *Record) Valid() bool {
	return r != nil && r.ID != "" && r.Timestamp > 0
}

// NewRecord builds a record and derives the sent/chat flags from labels.
func NewRecord(id string, timestamp int64, labels []string) *Record {
	rec := &Record{ID: id, Timestamp: timestamp, Labels: labels}
	for _, l := range labels {
		switch l {
		case LabelSent:
			rec.IsSent = true
		case LabelChat:
			rec.IsChat = true
		}
	}
	return rec
}

// Source supplies message records for a half-open range [from, to).
// Returned slices may contain nil or invalid placeholders.
type Source interface {
	Messages(ctx context.Context, from, to time.Time) ([]*Record, error)
}
