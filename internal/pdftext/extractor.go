// Package pdftext turns the text layer of a PDF into plain text.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// MinTextLength is the default number of characters below which extracted
// text is not worth sending to a model.
const MinTextLength = 10

// ErrUnreadablePDF is returned for input that isn't a parseable PDF or that
// has no text layer at all.
var ErrUnreadablePDF = errors.New("unreadable pdf")

// Extractor pulls the text layer out of PDF documents
type Extractor struct{}

// NewExtractor creates a new Extractor
func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractText returns the text of every page, in page order, separated by
// a blank line. Layout and tables are flattened.
func (e *Extractor) ExtractText(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty input", ErrUnreadablePDF)
	}
	// MuPDF also opens images and ebooks; only accept a PDF header
	if !hasPDFHeader(data) {
		return "", fmt.Errorf("%w: missing %%PDF header", ErrUnreadablePDF)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("%w: opening PDF: %w", ErrUnreadablePDF, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return "", fmt.Errorf("%w: PDF has no pages", ErrUnreadablePDF)
	}

	pages := make([]string, 0, pageCount)
	for n := 0; n < pageCount; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		text, err := doc.Text(n)
		if err != nil {
			return "", fmt.Errorf("%w: reading page %d: %w", ErrUnreadablePDF, n+1, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}

	if len(pages) == 0 {
		return "", fmt.Errorf("%w: no text layer", ErrUnreadablePDF)
	}

	return strings.Join(pages, "\n\n"), nil
}

// hasPDFHeader looks for the %PDF- marker within the first 1024 bytes,
// where readers are required to find it.
func hasPDFHeader(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("%PDF-"))
}
