package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raysh454/kansoku/internal/utils"
)

// BlobStore keeps snapshot data addressed by its SHA-256 digest, so
// identical versions are stored once.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

var errBlobNotFound = errors.New("blob not found")

func blobID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FSStore stores blobs as files under dir/<first two hex chars>/<id>.
type FSStore struct {
	dir string
}

var _ BlobStore = (*FSStore)(nil)

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blobs directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (fs *FSStore) Put(_ context.Context, data []byte) (string, error) {
	id := blobID(data)
	path := fs.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	if err := utils.AtomicWriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return id, nil
}

// Get reads a blob and verifies its digest.
func (fs *FSStore) Get(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errBlobNotFound, id)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if got := blobID(data); got != id {
		return nil, fmt.Errorf("blob integrity check failed: expected %s, got %s", id, got)
	}
	return data, nil
}

func (fs *FSStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(fs.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (fs *FSStore) path(id string) string {
	// ids shorter than a shard name never match a stored blob
	if len(id) < 2 || strings.ContainsAny(id, `/\.`) {
		return filepath.Join(fs.dir, "__invalid__", filepath.Base(id))
	}
	return filepath.Join(fs.dir, id[:2], id)
}

// dbBlobs keeps blobs in the blobs table, for databases without a local
// directory such as remote libsql.
type dbBlobs struct {
	db *sql.DB
}

var _ BlobStore = (*dbBlobs)(nil)

func (b *dbBlobs) Put(ctx context.Context, data []byte) (string, error) {
	id := blobID(data)
	if data == nil {
		data = []byte{}
	}
	_, err := b.db.ExecContext(ctx, `INSERT INTO blobs (id, data) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, id, data)
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return id, nil
}

func (b *dbBlobs) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errBlobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query blob: %w", err)
	}
	return data, nil
}

func (b *dbBlobs) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
