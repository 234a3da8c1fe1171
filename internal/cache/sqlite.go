package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql" // remote libsql driver
	_ "modernc.org/sqlite"                               // SQLite driver

	"github.com/raysh454/kansoku/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA cache_size=-64000",
	"PRAGMA temp_store=MEMORY",
}

// SQLiteStore keeps entry metadata and history in SQLite and the data in a
// content-addressed blob store. A libsql:// DSN selects a remote libsql
// database; the data then lives in the database too.
type SQLiteStore struct {
	db     *sql.DB
	blobs  BlobStore
	limit  int
	logger logging.Logger

	// gcMu keeps blob garbage collection out of in-flight saves that may
	// reference the same blob.
	gcMu sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(cfg Config, logger logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		return nil, errors.New("cache: nil logger provided")
	}
	cfg = cfg.withDefaults()
	logger = logger.With(logging.Field{Key: "component", Value: "cache"})

	db, local, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db, local); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	var blobs BlobStore = &dbBlobs{db: db}
	if cfg.DSN == "" {
		fs, err := NewFSStore(filepath.Join(cfg.Dir, "blobs"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		blobs = fs
	}

	logger.Info("sqlite cache opened",
		logging.Field{Key: "dir", Value: cfg.Dir},
		logging.Field{Key: "remote", Value: !local},
		logging.Field{Key: "history", Value: cfg.History})

	return &SQLiteStore{db: db, blobs: blobs, limit: cfg.History, logger: logger}, nil
}

func isRemoteDSN(dsn string) bool {
	for _, p := range []string{"libsql://", "http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(dsn, p) {
			return true
		}
	}
	return false
}

func openDB(cfg Config) (*sql.DB, bool, error) {
	if isRemoteDSN(cfg.DSN) {
		db, err := sql.Open("libsql", cfg.DSN)
		if err != nil {
			return nil, false, fmt.Errorf("open libsql database: %w", err)
		}
		return db, false, nil
	}

	path := cfg.DSN
	if path == "" {
		if cfg.Dir == "" {
			return nil, false, errors.New("cache: sqlite backend needs a dir or a dsn")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, false, fmt.Errorf("create cache directory: %w", err)
		}
		path = filepath.Join(cfg.Dir, "kansoku.db")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, false, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, true, nil
}

func applySchema(db *sql.DB, local bool) error {
	if local {
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				return fmt.Errorf("set pragma %q: %w", pragma, err)
			}
		}
	}
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *SQLiteStore) Load(ctx context.Context, guid string) (Entry, error) {
	var (
		blob string
		ts   int64
		e    = Entry{GUID: guid}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT blob_id, timestamp, tries, etag FROM entries WHERE guid = ?`, guid,
	).Scan(&blob, &ts, &e.Tries, &e.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load %s: %w", guid, err)
	}
	e.Timestamp = fromUnix(ts)
	if e.Data, err = s.blobs.Get(ctx, blob); err != nil {
		return Entry{}, fmt.Errorf("load %s: %w", guid, err)
	}
	return e, nil
}

func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	s.gcMu.RLock()
	orphans, err := s.save(ctx, e)
	s.gcMu.RUnlock()
	if err != nil {
		return err
	}
	s.collect(ctx, orphans)
	return nil
}

func (s *SQLiteStore) save(ctx context.Context, e Entry) ([]string, error) {
	blob, err := s.blobs.Put(ctx, e.Data)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", e.GUID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT blob_id FROM entries WHERE guid = ?`, e.GUID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (guid, blob_id, timestamp, tries, etag) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			blob_id = excluded.blob_id,
			timestamp = excluded.timestamp,
			tries = excluded.tries,
			etag = excluded.etag`,
		e.GUID, blob, toUnix(e.Timestamp), e.Tries, e.ETag)
	if err != nil {
		return nil, fmt.Errorf("upsert entry: %w", err)
	}

	var orphans []string
	if prev != "" && prev != blob {
		orphans = append(orphans, prev)
	}
	if prev != blob && !e.Timestamp.IsZero() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history (guid, blob_id, timestamp) VALUES (?, ?, ?)`,
			e.GUID, blob, toUnix(e.Timestamp)); err != nil {
			return nil, fmt.Errorf("insert history: %w", err)
		}
		trimmed, err := s.trim(ctx, tx, e.GUID)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, trimmed...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return orphans, nil
}

// trim drops history rows beyond the limit and returns their blob ids.
func (s *SQLiteStore) trim(ctx context.Context, tx *sql.Tx, guid string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, blob_id FROM history WHERE guid = ? ORDER BY id DESC LIMIT -1 OFFSET ?`, guid, s.limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	var (
		ids   []int64
		blobs []string
	)
	for rows.Next() {
		var id int64
		var blob string
		if err := rows.Scan(&id, &blob); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan history: %w", err)
		}
		ids = append(ids, id)
		blobs = append(blobs, blob)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("trim history: %w", err)
		}
	}
	return blobs, nil
}

// collect deletes blobs that no entry or history row references anymore.
func (s *SQLiteStore) collect(ctx context.Context, candidates []string) {
	if len(candidates) == 0 {
		return
	}
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	for _, blob := range candidates {
		var refs int
		err := s.db.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM entries WHERE blob_id = ?) +
			       (SELECT COUNT(*) FROM history WHERE blob_id = ?)`, blob, blob).Scan(&refs)
		if err != nil {
			s.logger.Warn("blob reference count failed", logging.Field{Key: "blob", Value: blob}, logging.Field{Key: "error", Value: err})
			continue
		}
		if refs > 0 {
			continue
		}
		if err := s.blobs.Delete(ctx, blob); err != nil {
			s.logger.Warn("blob delete failed", logging.Field{Key: "blob", Value: blob}, logging.Field{Key: "error", Value: err})
		}
	}
}

func (s *SQLiteStore) History(ctx context.Context, guid string, n int) ([][]byte, error) {
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT blob_id FROM history WHERE guid = ? ORDER BY id DESC LIMIT ?`, guid, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan history: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		data, err := s.blobs.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", guid, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, guid string) error {
	s.gcMu.RLock()
	orphans, err := s.delete(ctx, guid)
	s.gcMu.RUnlock()
	if err != nil {
		return err
	}
	s.collect(ctx, orphans)
	return nil
}

func (s *SQLiteStore) delete(ctx context.Context, guid string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT blob_id FROM entries WHERE guid = ?
		UNION SELECT blob_id FROM history WHERE guid = ?`, guid, guid)
	if err != nil {
		return nil, fmt.Errorf("query blobs: %w", err)
	}
	var blobs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		blobs = append(blobs, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, stmt := range []string{`DELETE FROM entries WHERE guid = ?`, `DELETE FROM history WHERE guid = ?`} {
		if _, err := tx.ExecContext(ctx, stmt, guid); err != nil {
			return nil, fmt.Errorf("delete %s: %w", guid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return blobs, nil
}

func (s *SQLiteStore) GUIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guid FROM entries ORDER BY guid`)
	if err != nil {
		return nil, fmt.Errorf("query guids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("scan guid: %w", err)
		}
		out = append(out, guid)
	}
	return out, rows.Err()
}

// DB exposes the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
