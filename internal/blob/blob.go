package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ContentTypePDF is the only content type the store holds
const ContentTypePDF = "application/pdf"

var (
	// ErrNotFound is returned when no file exists for an id
	ErrNotFound = errors.New("file not found")
	// ErrStorageWrite wraps any I/O failure while writing a file
	ErrStorageWrite = errors.New("storage write failed")
)

// StoredFile is the metadata kept for every uploaded file
type StoredFile struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Store defines the interface for PDF blob storage
type Store interface {
	// Put streams r into storage under a fresh id. Nothing is visible to
	// readers unless Put returns without error.
	Put(ctx context.Context, r io.Reader, filename string) (*StoredFile, error)

	// Get opens the file body for reading. The caller must close it.
	Get(ctx context.Context, id string) (io.ReadCloser, *StoredFile, error)

	// Stat returns the metadata without touching the body
	Stat(ctx context.Context, id string) (*StoredFile, error)

	// Delete removes a file and reports whether it existed
	Delete(ctx context.Context, id string) (bool, error)
}

func newID() string {
	return uuid.NewString()
}

// ValidID rejects anything that isn't an id minted by newID. It keeps
// arbitrary user input out of object keys and file paths.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

// contextReader stops a streaming copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
