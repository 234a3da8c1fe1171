package cache_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/cache"
	"github.com/raysh454/kansoku/internal/logging"
)

func stores(t *testing.T) map[string]cache.Store {
	t.Helper()
	ctx := context.Background()

	sqliteDir, err := cache.Open(ctx, cache.Config{Backend: cache.BackendSQLite, Dir: t.TempDir(), History: 3}, logging.NewNopLogger())
	require.NoError(t, err)
	sqliteDSN, err := cache.Open(ctx, cache.Config{DSN: filepath.Join(t.TempDir(), "cache.db"), History: 3}, logging.NewNopLogger())
	require.NoError(t, err)
	memory, err := cache.Open(ctx, cache.Config{Backend: cache.BackendMemory, History: 3}, nil)
	require.NoError(t, err)

	all := map[string]cache.Store{"sqlite": sqliteDir, "sqlite-dsn": sqliteDSN, "memory": memory}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

// ─── Store contract ─────────────────────────────────────────────────────

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		_, err := s.Load(context.Background(), "nope")
		assert.True(t, errors.Is(err, cache.ErrNotFound), name)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	for name, s := range stores(t) {
		ctx := context.Background()
		in := cache.Entry{GUID: "g1", Data: []byte("hello"), Timestamp: ts, Tries: 2, ETag: `"e"`}
		require.NoError(t, s.Save(ctx, in), name)

		got, err := s.Load(ctx, "g1")
		require.NoError(t, err, name)
		assert.Equal(t, "g1", got.GUID, name)
		assert.Equal(t, "hello", string(got.Data), name)
		assert.True(t, got.Timestamp.Equal(ts), "%s: timestamp %v", name, got.Timestamp)
		assert.Equal(t, 2, got.Tries, name)
		assert.Equal(t, `"e"`, got.ETag, name)

		// only tries change: data and history are untouched
		in.Tries = 0
		in.Timestamp = ts.Add(time.Hour)
		require.NoError(t, s.Save(ctx, in), name)
		got, err = s.Load(ctx, "g1")
		require.NoError(t, err, name)
		assert.Equal(t, 0, got.Tries, name)
		h, err := s.History(ctx, "g1", 0)
		require.NoError(t, err, name)
		assert.Len(t, h, 1, name)
	}
}

func TestStore_HistoryIsBoundedNewestFirst(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.Save(ctx, cache.Entry{GUID: "g", Data: []byte(fmt.Sprintf("v%d", i)), Timestamp: time.Now()}), name)
		}
		h, err := s.History(ctx, "g", 0)
		require.NoError(t, err, name)
		require.Len(t, h, 3, name)
		assert.Equal(t, "v5", string(h[0]), name)
		assert.Equal(t, "v3", string(h[2]), name)

		h, err = s.History(ctx, "g", 2)
		require.NoError(t, err, name)
		require.Len(t, h, 2, name)
		assert.Equal(t, "v4", string(h[1]), name)

		h, err = s.History(ctx, "unknown", 2)
		require.NoError(t, err, name)
		assert.Empty(t, h, name)
	}
}

func TestStore_SharedDataAcrossGUIDs(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, cache.Entry{GUID: "a", Data: []byte("same"), Timestamp: time.Now()}), name)
		require.NoError(t, s.Save(ctx, cache.Entry{GUID: "b", Data: []byte("same"), Timestamp: time.Now()}), name)
		require.NoError(t, s.Delete(ctx, "a"), name)

		got, err := s.Load(ctx, "b")
		require.NoError(t, err, name)
		assert.Equal(t, "same", string(got.Data), name)
	}
}

func TestStore_DeleteAndGUIDs(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		ctx := context.Background()
		for _, g := range []string{"c", "a", "b"} {
			require.NoError(t, s.Save(ctx, cache.Entry{GUID: g, Data: []byte(g), Timestamp: time.Now()}), name)
		}
		guids, err := s.GUIDs(ctx)
		require.NoError(t, err, name)
		assert.Equal(t, []string{"a", "b", "c"}, guids, name)

		require.NoError(t, s.Delete(ctx, "b"), name)
		_, err = s.Load(ctx, "b")
		assert.True(t, errors.Is(err, cache.ErrNotFound), name)
		h, err := s.History(ctx, "b", 0)
		require.NoError(t, err, name)
		assert.Empty(t, h, name)

		guids, err = s.GUIDs(ctx)
		require.NoError(t, err, name)
		assert.Equal(t, []string{"a", "c"}, guids, name)
	}
}

func TestStore_ConcurrentDistinctGUIDs(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				guid := fmt.Sprintf("g%02d", i)
				if err := s.Save(ctx, cache.Entry{GUID: guid, Data: []byte(guid), Timestamp: time.Now()}); err != nil {
					errs <- err
					return
				}
				if _, err := s.Load(ctx, guid); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("%s: %v", name, err)
		}
		guids, err := s.GUIDs(ctx)
		require.NoError(t, err, name)
		assert.Len(t, guids, 20, name)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := cache.Config{Backend: cache.BackendSQLite, Dir: dir}

	s, err := cache.Open(ctx, cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, cache.Entry{GUID: "g", Data: []byte("kept"), Timestamp: time.Now(), ETag: "x"}))
	require.NoError(t, s.Close())

	s, err = cache.Open(ctx, cfg, logging.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got.Data))
	assert.Equal(t, "x", got.ETag)
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, err := cache.Open(ctx, cache.Config{Backend: "redis"}, nil)
	assert.Error(t, err)
	_, err = cache.Open(ctx, cache.Config{Backend: cache.BackendSQLite}, nil)
	assert.Error(t, err, "sqlite needs a dir or a dsn")
	_, err = cache.Open(ctx, cache.Config{Backend: cache.BackendS3}, nil)
	assert.Error(t, err, "s3 needs a bucket")
}

func TestMemoryStore_Closed(t *testing.T) {
	t.Parallel()
	s := cache.NewMemoryStore(0)
	require.NoError(t, s.Close())
	_, err := s.Load(context.Background(), "g")
	assert.ErrorIs(t, err, cache.ErrClosed)
	assert.ErrorIs(t, s.Save(context.Background(), cache.Entry{GUID: "g"}), cache.ErrClosed)
}

// ─── Blob store ─────────────────────────────────────────────────────────

func TestFSStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, err := cache.NewFSStore(t.TempDir())
	require.NoError(t, err)

	id, err := fs.Put(ctx, []byte("content"))
	require.NoError(t, err)
	assert.Len(t, id, 64)

	again, err := fs.Put(ctx, []byte("content"))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	data, err := fs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	require.NoError(t, fs.Delete(ctx, id))
	require.NoError(t, fs.Delete(ctx, id), "deleting twice is fine")
	_, err = fs.Get(ctx, id)
	assert.Error(t, err)

	_, err = fs.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)
}

func TestStore_FailedFirstAttemptKeepsNoHistory(t *testing.T) {
	t.Parallel()
	for name, s := range stores(t) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, cache.Entry{GUID: "g", Tries: 1}), name)
		got, err := s.Load(ctx, "g")
		require.NoError(t, err, name)
		assert.Equal(t, 1, got.Tries, name)
		assert.True(t, got.Timestamp.IsZero(), name)
		assert.Empty(t, got.Data, name)

		h, err := s.History(ctx, "g", 0)
		require.NoError(t, err, name)
		assert.Empty(t, h, name)

		require.NoError(t, s.Save(ctx, cache.Entry{GUID: "g", Data: []byte("first"), Timestamp: time.Now()}), name)
		h, err = s.History(ctx, "g", 0)
		require.NoError(t, err, name)
		require.Len(t, h, 1, name)
		assert.Equal(t, "first", string(h[0]), name)
	}
}
