package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no invoice has the requested id
	ErrNotFound = errors.New("invoice not found")
	// ErrValidation is returned when a write would leave a required field empty
	ErrValidation = errors.New("invalid invoice")
)

// LineItem is a single line on an invoice. Values are stored as given.
type LineItem struct {
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    decimal.Decimal `json:"quantity"`
	Total       decimal.Decimal `json:"total"`
}

// Vendor is the party that issued the invoice
type Vendor struct {
	Name    string  `json:"name"`
	Address *string `json:"address"`
	TaxID   *string `json:"taxId"`
}

// Details holds the invoice header and its line items
type Details struct {
	Number     string           `json:"number"`
	Date       string           `json:"date"` // YYYY-MM-DD
	Currency   *string          `json:"currency"`
	Subtotal   *decimal.Decimal `json:"subtotal"`
	TaxPercent *decimal.Decimal `json:"taxPercent"`
	Total      *decimal.Decimal `json:"total"`
	PONumber   *string          `json:"poNumber"`
	PODate     *string          `json:"poDate"`
	LineItems  []LineItem       `json:"lineItems"`
}

// Invoice is the persisted aggregate. FileID points at a stored file but is
// never checked against the blob store.
type Invoice struct {
	ID        string     `json:"id"`
	FileID    string     `json:"fileId"`
	FileName  string     `json:"fileName"`
	Vendor    Vendor     `json:"vendor"`
	Invoice   Details    `json:"invoice"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// NewInvoice is the input to Create
type NewInvoice struct {
	FileID   string  `json:"fileId"`
	FileName string  `json:"fileName"`
	Vendor   Vendor  `json:"vendor"`
	Invoice  Details `json:"invoice"`
}

// Patch replaces whole sub-objects. A nil field is left as is.
type Patch struct {
	Vendor  *Vendor  `json:"vendor"`
	Invoice *Details `json:"invoice"`
}

// Empty reports whether the patch carries no fields
func (p Patch) Empty() bool {
	return p.Vendor == nil && p.Invoice == nil
}

// Repository persists and searches invoices. Each call is one atomic
// document-level write or read.
type Repository interface {
	// Create stores a new invoice and returns its id
	Create(ctx context.Context, in NewInvoice) (string, error)

	// Get returns ErrNotFound for unknown or malformed ids
	Get(ctx context.Context, id string) (*Invoice, error)

	// List returns invoices whose vendor name or invoice number contains
	// search, ignoring case, newest first. An empty search returns all.
	List(ctx context.Context, search string) ([]*Invoice, error)

	// Update applies p and reports whether anything was written
	Update(ctx context.Context, id string, p Patch) (bool, error)

	// Delete reports whether an invoice was removed
	Delete(ctx context.Context, id string) (bool, error)
}

// IDGenerator generates unique IDs for invoices
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDv4 ids
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

func validateVendor(v Vendor) error {
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("%w: vendor name is required", ErrValidation)
	}
	return nil
}

func validateDetails(d Details) error {
	if strings.TrimSpace(d.Number) == "" {
		return fmt.Errorf("%w: invoice number is required", ErrValidation)
	}
	return nil
}

func (in NewInvoice) validate() error {
	if err := validateVendor(in.Vendor); err != nil {
		return err
	}
	return validateDetails(in.Invoice)
}

func (p Patch) validate() error {
	if p.Vendor != nil {
		if err := validateVendor(*p.Vendor); err != nil {
			return err
		}
	}
	if p.Invoice != nil {
		if err := validateDetails(*p.Invoice); err != nil {
			return err
		}
	}
	return nil
}

// withLineItems returns d with a non-nil line item slice
func withLineItems(d Details) Details {
	if d.LineItems == nil {
		d.LineItems = []LineItem{}
	}
	return d
}

// ValidID reports whether id has the shape of a repository id
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

// matches reports whether inv matches a lowercased search term
func matches(inv *Invoice, term string) bool {
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(inv.Vendor.Name), term) ||
		strings.Contains(strings.ToLower(inv.Invoice.Number), term)
}
