package pipeline

import (
	"errors"

	"github.com/zombor/invoice-extractor/internal/blob"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/invoice"
	"github.com/zombor/invoice-extractor/internal/pdftext"
)

// Class groups errors by who can fix them
type Class string

const (
	// ClassInput errors are the caller's to fix and are never retried
	ClassInput Class = "input"
	// ClassNotFound is a missing file or invoice
	ClassNotFound Class = "not_found"
	// ClassExternal errors come from a model or storage; a retry may succeed
	ClassExternal Class = "external"
	// ClassInternal is everything else
	ClassInternal Class = "internal"
)

// ErrInvalidRequest marks a request body that could not be decoded
var ErrInvalidRequest = errors.New("invalid request")

var inputErrors = []error{
	ErrFileTooLarge, // checked before storage errors; the store wraps it
	ErrUnsupportedContentType,
	ErrFilenameRequired,
	ErrTextTooShort,
	ErrTextRequired,
	ErrInvalidRequest,
	extraction.ErrUnsupportedModel,
	pdftext.ErrUnreadablePDF,
	invoice.ErrValidation,
}

var notFoundErrors = []error{
	blob.ErrNotFound,
	invoice.ErrNotFound,
}

var externalErrors = []error{
	extraction.ErrModelUnavailable,
	extraction.ErrMalformedModelOutput,
	extraction.ErrGeneration,
	blob.ErrStorageWrite,
}

// Classify maps err to its Class
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	for _, group := range []struct {
		class Class
		errs  []error
	}{
		{ClassInput, inputErrors},
		{ClassNotFound, notFoundErrors},
		{ClassExternal, externalErrors},
	} {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return ClassInternal
}
