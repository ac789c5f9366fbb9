package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	peb, err := NewPebbleStore(filepath.Join(dir, "pebble"))
	require.NoError(t, err)

	stores := map[string]Store{
		BackendFile:   file,
		BackendSQLite: sqlite,
		BackendPebble: peb,
		BackendMemory: NewMemoryStore(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "models/daily.model")
			assert.True(t, IsNotFound(err), "read before write: %v", err)
			_, err = s.ModTime(ctx, "models/daily.model")
			assert.True(t, IsNotFound(err), "stat before write: %v", err)

			require.NoError(t, s.Write(ctx, "models/daily.model", []byte("v1")))
			got, err := s.Read(ctx, "models/daily.model")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			first, err := s.ModTime(ctx, "models/daily.model")
			require.NoError(t, err)

			require.NoError(t, s.Write(ctx, "models/daily.model", []byte("v2")))
			second, err := s.ModTime(ctx, "models/daily.model")
			require.NoError(t, err)
			assert.True(t, second.After(first), "marker must change on every write: %s then %s", first, second)

			got, err = s.Read(ctx, "models/daily.model")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			// Other locations are independent.
			_, err = s.Read(ctx, "models/hourly.model")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestStore_ConcurrentReadersSeeWholeBlobs(t *testing.T) {
	ctx := context.Background()
	a := make([]byte, 64*1024)
	b := make([]byte, 64*1024)
	for i := range b {
		b[i] = 1
	}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Write(ctx, "blob", a))

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					data := a
					if i%2 == 0 {
						data = b
					}
					assert.NoError(t, s.Write(ctx, "blob", data))
				}
			}()
			for i := 0; i < 50; i++ {
				got, err := s.Read(ctx, "blob")
				require.NoError(t, err)
				require.Len(t, got, len(a))
				for _, v := range got[1:] {
					if v != got[0] {
						t.Fatalf("torn read in %s", name)
					}
				}
			}
			wg.Wait()
		})
	}
}

func TestFileStore_AtomicRenameLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), "daily.model", []byte("x")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "daily.model", entries[0].Name())
	assert.Equal(t, filepath.Join(dir, "daily.model"), s.Path("daily.model"))
}

func TestSQLiteStore_Revision(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write(ctx, "hourly", []byte{byte(i)}))
	}
	rev, err := s.Revision(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, 3, rev)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		opts    Options
		wantErr bool
	}{
		{Options{Backend: BackendFile, FileRoot: dir}, false},
		{Options{Backend: BackendSQLite, SQLitePath: filepath.Join(dir, "mailcast.db")}, false},
		{Options{Backend: BackendPebble, PebblePath: filepath.Join(dir, "pebble")}, false},
		{Options{Backend: BackendMemory}, false},
		{Options{Backend: "s3"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.opts.Backend, func(t *testing.T) {
			s, err := Open(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}
