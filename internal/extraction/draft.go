package extraction

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupportedModel is returned for a model selector outside the supported set
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrModelUnavailable means the model is supported but not usable until
	// configuration changes (missing or rejected credentials, model not installed)
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrMalformedModelOutput means the model answered with something that
	// isn't the requested JSON object. Retrying with the same input is safe.
	ErrMalformedModelOutput = errors.New("malformed model output")
	// ErrGeneration wraps transport failures while calling a model
	ErrGeneration = errors.New("model request failed")
)

// Model selects a generative-text provider
type Model string

const (
	ModelGemini Model = "gemini"
	ModelOllama Model = "ollama"
)

// SupportedModels is the closed set of model selectors
var SupportedModels = []Model{ModelGemini, ModelOllama}

// ParseModel validates a model selector
func ParseModel(s string) (Model, error) {
	for _, m := range SupportedModels {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedModel, s)
}

// Generator is a generative-text capability: given a prompt, return text
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	// Close releases the underlying client
	Close() error
}

// Draft is what the model said about a document. Every field is optional and
// nothing in it has been checked; it becomes an invoice only after review.
type Draft struct {
	Vendor  *DraftVendor  `json:"vendor"`
	Invoice *DraftDetails `json:"invoice"`
}

// DraftVendor is the vendor as extracted
type DraftVendor struct {
	Name    *string `json:"name"`
	Address *string `json:"address"`
	TaxID   *string `json:"taxId"`
}

// DraftDetails is the invoice header and line items as extracted
type DraftDetails struct {
	Number     *string          `json:"number"`
	Date       *string          `json:"date"`
	Currency   *string          `json:"currency"`
	Subtotal   *decimal.Decimal `json:"subtotal"`
	TaxPercent *decimal.Decimal `json:"taxPercent"`
	Total      *decimal.Decimal `json:"total"`
	PONumber   *string          `json:"poNumber"`
	PODate     *string          `json:"poDate"`
	LineItems  []DraftLineItem  `json:"lineItems"`
}

// DraftLineItem is a single extracted line
type DraftLineItem struct {
	Description *string          `json:"description"`
	UnitPrice   *decimal.Decimal `json:"unitPrice"`
	Quantity    *decimal.Decimal `json:"quantity"`
	Total       *decimal.Decimal `json:"total"`
}
