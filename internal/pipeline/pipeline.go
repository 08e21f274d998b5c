package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/zombor/invoice-extractor/internal/blob"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/pdftext"
)

// DefaultMaxUploadBytes is the upload ceiling used when none is configured
const DefaultMaxUploadBytes int64 = 25 << 20

var (
	ErrUnsupportedContentType = errors.New("only PDF files are accepted")
	ErrFileTooLarge           = errors.New("file too large")
	ErrFilenameRequired       = errors.New("filename is required")
	ErrTextTooShort           = errors.New("not enough text in document")
	ErrTextRequired           = errors.New("text is required")
)

// TextExtractor turns PDF bytes into plain text
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte) (string, error)
}

// DraftExtractor turns plain text into a draft invoice with one model call
type DraftExtractor interface {
	Extract(ctx context.Context, text string, model extraction.Model) (*extraction.Draft, error)
}

// Config holds the pipeline limits
type Config struct {
	MaxUploadBytes int64
	MinTextLength  int
	Retry          RetryPolicy
}

// Upload is a file as received from a client
type Upload struct {
	Filename    string
	ContentType string
	Size        int64 // declared size, -1 when unknown
	Body        io.Reader
}

// Result is an extraction waiting for review. Nothing about it is stored.
type Result struct {
	FileID   string            `json:"fileId"`
	FileName string            `json:"fileName"`
	Model    extraction.Model  `json:"model"`
	Draft    *extraction.Draft `json:"-"`
}

// Pipeline coordinates ingest and extract-and-review
type Pipeline struct {
	store  blob.Store
	text   TextExtractor
	engine DraftExtractor
	cfg    Config
}

// New creates a Pipeline, filling in defaults for zero config values
func New(store blob.Store, text TextExtractor, engine DraftExtractor, cfg Config) *Pipeline {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = pdftext.MinTextLength
	}
	return &Pipeline{
		store:  store,
		text:   text,
		engine: engine,
		cfg:    cfg,
	}
}

// MaxUploadBytes returns the configured upload ceiling
func (p *Pipeline) MaxUploadBytes() int64 {
	return p.cfg.MaxUploadBytes
}

// Ingest validates an upload and stores it. Rejected uploads leave nothing
// in the store.
func (p *Pipeline) Ingest(ctx context.Context, u Upload) (*blob.StoredFile, error) {
	filename := strings.TrimSpace(u.Filename)
	if filename == "" {
		return nil, ErrFilenameRequired
	}

	if !isPDF(u.ContentType) {
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedContentType, u.ContentType)
	}

	if u.Size > p.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrFileTooLarge, u.Size, p.cfg.MaxUploadBytes)
	}

	file, err := p.store.Put(ctx, newLimitReader(u.Body, p.cfg.MaxUploadBytes), filename)
	if err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	slog.Info("Stored upload",
		"file_id", file.ID,
		"filename", file.Filename,
		"size", file.Size,
	)

	return file, nil
}

// Extract reads a stored file, pulls its text and asks the model for a
// draft. The caller decides whether to persist it.
func (p *Pipeline) Extract(ctx context.Context, fileID string, modelName string) (*Result, error) {
	model, err := extraction.ParseModel(modelName)
	if err != nil {
		return nil, err
	}

	info, err := p.store.Stat(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("looking up file: %w", err)
	}

	data, err := p.readFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	text, err := p.text.ExtractText(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("extracting text: %w", err)
	}

	if n := utf8.RuneCountInString(strings.TrimSpace(text)); n < p.cfg.MinTextLength {
		return nil, fmt.Errorf("%w: found %d characters, need at least %d", ErrTextTooShort, n, p.cfg.MinTextLength)
	}

	slog.Info("Extracting invoice",
		"file_id", fileID,
		"model", model,
		"text_length", len(text),
	)

	draft, err := p.extractWithRetry(ctx, text, model)
	if err != nil {
		return nil, err
	}

	return &Result{
		FileID:   info.ID,
		FileName: info.Filename,
		Model:    model,
		Draft:    draft,
	}, nil
}

// ExtractText runs the model on caller-supplied text, skipping storage and
// the text floor.
func (p *Pipeline) ExtractText(ctx context.Context, text string, modelName string) (*extraction.Draft, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextRequired
	}

	model, err := extraction.ParseModel(modelName)
	if err != nil {
		return nil, err
	}

	return p.extractWithRetry(ctx, text, model)
}

func (p *Pipeline) readFile(ctx context.Context, fileID string) ([]byte, error) {
	rc, _, err := p.store.Get(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(newLimitReader(rc, p.cfg.MaxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// isPDF accepts application/pdf with any parameters, ignoring case
func isPDF(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == blob.ContentTypePDF
}

// limitReader fails with ErrFileTooLarge once more than max bytes are read
type limitReader struct {
	r   io.Reader
	max int64
	n   int64
}

func newLimitReader(r io.Reader, max int64) *limitReader {
	return &limitReader{r: r, max: max}
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n > l.max {
		return 0, ErrFileTooLarge
	}
	if rem := l.max + 1 - l.n; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.max {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, l.max)
	}
	return n, err
}
