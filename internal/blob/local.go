package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-extractor/internal/database"
)

// FilesBucket holds one JSON StoredFile per id
const FilesBucket = "files"

// LocalStore keeps file bodies on the local filesystem and their metadata in
// bbolt. A body only becomes visible once its metadata row is committed.
type LocalStore struct {
	basePath string
	db       *bbolt.DB
	now      func() time.Time
}

// NewLocalStore creates a new LocalStore rooted at basePath
func NewLocalStore(basePath string, db *bbolt.DB) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	if err := database.EnsureBuckets(db, FilesBucket); err != nil {
		return nil, err
	}

	return &LocalStore{
		basePath: basePath,
		db:       db,
		now:      time.Now,
	}, nil
}

func (l *LocalStore) path(id string) string {
	return filepath.Join(l.basePath, id+".pdf")
}

// Put streams r to a temp file, fsyncs it, renames it into place and then
// records its metadata.
func (l *LocalStore) Put(ctx context.Context, r io.Reader, filename string) (*StoredFile, error) {
	id := newID()

	tmp, err := os.CreateTemp(l.basePath, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %w", ErrStorageWrite, err)
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: writing file: %w", ErrStorageWrite, err)
	}

	finalPath := l.path(id)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: moving file into place: %w", ErrStorageWrite, err)
	}

	file := &StoredFile{
		ID:          id,
		Filename:    filename,
		Size:        size,
		ContentType: ContentTypePDF,
		UploadedAt:  l.now().UTC(),
	}

	err = l.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(file)
		if err != nil {
			return fmt.Errorf("marshaling file metadata: %w", err)
		}
		return tx.Bucket([]byte(FilesBucket)).Put([]byte(id), data)
	})
	if err != nil {
		os.Remove(finalPath)
		return nil, fmt.Errorf("%w: saving metadata: %w", ErrStorageWrite, err)
	}

	return file, nil
}

// Stat returns the metadata for id
func (l *LocalStore) Stat(ctx context.Context, id string) (*StoredFile, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	var file *StoredFile
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(FilesBucket)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &file)
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Get opens the body of id for streaming
func (l *LocalStore) Get(ctx context.Context, id string) (io.ReadCloser, *StoredFile, error) {
	file, err := l.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(l.path(id))
	if err != nil {
		// deleted between Stat and Open
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	return f, file, nil
}

// Delete removes the metadata row in one transaction, then the body
func (l *LocalStore) Delete(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}

	existed := false
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(FilesBucket))
		if bucket.Get([]byte(id)) == nil {
			return nil
		}
		existed = true
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return false, fmt.Errorf("deleting file metadata: %w", err)
	}
	if !existed {
		return false, nil
	}

	if err := os.Remove(l.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// The metadata is gone so the file is already unreachable
		slog.Warn("Failed to remove file body", "id", id, "error", err)
	}
	return true, nil
}
