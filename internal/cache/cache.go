// Package cache persists the last retrieved snapshot of every job, keyed by
// the job GUID, together with a bounded history of earlier versions.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raysh454/kansoku/internal/logging"
)

var (
	// ErrNotFound is returned by Load for a GUID that was never saved.
	ErrNotFound = errors.New("cache: entry not found")
	ErrClosed   = errors.New("cache: store is closed")
)

// Entry is the cached state of one job.
type Entry struct {
	GUID      string
	Data      []byte
	Timestamp time.Time
	// Tries counts failed attempts since the last successful retrieval.
	Tries int
	ETag  string
}

// Store is the cache contract. Implementations are safe for concurrent use
// on distinct GUIDs.
type Store interface {
	Load(ctx context.Context, guid string) (Entry, error)
	// Save replaces the entry. A change of Data is recorded in the history
	// unless Timestamp is zero, which marks a job that never succeeded.
	Save(ctx context.Context, e Entry) error
	// History returns up to n stored versions of the data, newest first.
	// The current data is the first element.
	History(ctx context.Context, guid string, n int) ([][]byte, error)
	Delete(ctx context.Context, guid string) error
	GUIDs(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteStore(cfg, logger)
	case BackendMemory:
		return NewMemoryStore(cfg.History), nil
	case BackendS3:
		return NewS3Store(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
