package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Package storage persists model artifacts and training series.
//
// Responsibilities:
//   - Read and write opaque blobs by location
//   - Report a modification marker per location for reload detection
//   - Guarantee single-writer atomic replacement: a reader never sees a
//     partially written blob
//
// Backends:
//   - file:   one file per location under a root directory
//   - sqlite: one row per location in an embedded SQLite database
//   - pebble: two keys per location in an embedded LSM store
//   - memory: process-local map, for tests and ephemeral runs

// ErrNotFound is returned when a location has never been written.
var ErrNotFound = errors.New("storage: location not found")

// Store is the persistence contract used by the registry and trainer.
type Store interface {
	// Read returns the blob stored at location.
	Read(ctx context.Context, location string) ([]byte, error)

	// Write atomically replaces the blob at location.
	Write(ctx context.Context, location string, data []byte) error

	// ModTime returns the modification marker of location. Each successful
	// Write yields a marker different from the previous one.
	ModTime(ctx context.Context, location string) (time.Time, error)

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	FileRoot   string
	SQLitePath string
	PebblePath string
}

// Open constructs the backend named in opts.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.FileRoot)
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	case BackendPebble:
		return NewPebbleStore(opts.PebblePath)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// nextMarker returns now, or one nanosecond past prev when the clock has
// not advanced, so that consecutive writes never share a marker.
func nextMarker(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
