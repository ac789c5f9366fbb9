package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps each location under two keys, a data key and a
// marker key, written in one synchronous batch.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serialises writers so markers stay monotonic
}

// NewPebbleStore opens or creates the store at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func dataKey(location string) []byte   { return []byte("artifact/data/" + location) }
func markerKey(location string) []byte { return []byte("artifact/mtime/" + location) }

func (s *PebbleStore) Read(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, closer, err := s.db.Get(dataKey(location))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *PebbleStore) Write(ctx context.Context, location string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.ModTime(ctx, location)
	if err != nil && !IsNotFound(err) {
		return err
	}
	marker := nextMarker(prev)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(marker.UnixNano()))

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(dataKey(location), data, nil); err != nil {
		return err
	}
	if err := batch.Set(markerKey(location), buf[:], nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", location, err)
	}
	return nil
}

func (s *PebbleStore) ModTime(ctx context.Context, location string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	v, closer, err := s.db.Get(markerKey(location))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", location, err)
	}
	defer closer.Close()
	if len(v) != 8 {
		return time.Time{}, fmt.Errorf("corrupt marker for %s", location)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v))).UTC(), nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }
