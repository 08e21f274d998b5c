package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	keyPrefix        = "invoices/"
	metaFilename     = "original-filename"
	metaUploadedAt   = "uploaded-at"
	minPartSizeBytes = 5 << 20
)

// MinIOConfig holds object storage settings for MinIO or any S3-compatible backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore implements Store on an S3-compatible bucket. It is safe for
// concurrent use by multiple goroutines.
type MinIOStore struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinIO creates a new S3-compatible store and ensures the bucket exists.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio credentials are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket existence: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
	}

	return &MinIOStore{client: cli, bucket: cfg.Bucket, now: time.Now}, nil
}

func objectKey(id string) string {
	return keyPrefix + id + ".pdf"
}

// Put streams r as a multipart upload of unknown size. An aborted upload
// never produces a visible object.
func (m *MinIOStore) Put(ctx context.Context, r io.Reader, filename string) (*StoredFile, error) {
	id := newID()
	uploadedAt := m.now().UTC()

	info, err := m.client.PutObject(ctx, m.bucket, objectKey(id), r, -1, minio.PutObjectOptions{
		ContentType: ContentTypePDF,
		PartSize:    minPartSizeBytes,
		UserMetadata: map[string]string{
			metaFilename:   url.PathEscape(filename),
			metaUploadedAt: uploadedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: uploading object: %w", ErrStorageWrite, err)
	}

	return &StoredFile{
		ID:          id,
		Filename:    filename,
		Size:        info.Size,
		ContentType: ContentTypePDF,
		UploadedAt:  uploadedAt,
	}, nil
}

// Stat fetches object metadata only
func (m *MinIOStore) Stat(ctx context.Context, id string) (*StoredFile, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	info, err := m.client.StatObject(ctx, m.bucket, objectKey(id), minio.StatObjectOptions{})
	if err != nil {
		return nil, translateMinIOError("stat object", err)
	}
	return fileFromObjectInfo(id, info), nil
}

// Get streams the object body without buffering it
func (m *MinIOStore) Get(ctx context.Context, id string) (io.ReadCloser, *StoredFile, error) {
	if !ValidID(id) {
		return nil, nil, ErrNotFound
	}

	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, translateMinIOError("get object", err)
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, nil, translateMinIOError("get object", err)
	}
	return obj, fileFromObjectInfo(id, st), nil
}

// Delete removes the object. Concurrent deletes of the same id may both
// report true; the object is gone either way.
func (m *MinIOStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := m.Stat(ctx, id); err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(id), minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("removing object: %w", err)
	}
	return true, nil
}

func translateMinIOError(op string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// fileFromObjectInfo rebuilds StoredFile from the user metadata written by Put
func fileFromObjectInfo(id string, info minio.ObjectInfo) *StoredFile {
	file := &StoredFile{
		ID:          id,
		Size:        info.Size,
		ContentType: ContentTypePDF,
		UploadedAt:  info.LastModified.UTC(),
	}
	for k, v := range info.UserMetadata {
		switch strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-") {
		case metaFilename:
			if name, err := url.PathUnescape(v); err == nil {
				file.Filename = name
			} else {
				file.Filename = v
			}
		case metaUploadedAt:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				file.UploadedAt = t.UTC()
			}
		}
	}
	return file
}
