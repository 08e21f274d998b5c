package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
)

// Bucket is the bbolt bucket holding one JSON document per invoice
const Bucket = "invoices"

// BoltRepository implements Repository on a bbolt handle owned by the caller
type BoltRepository struct {
	db          *bbolt.DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewBoltRepository creates a BoltRepository with UUID ids and the wall clock
func NewBoltRepository(db *bbolt.DB) *BoltRepository {
	return NewBoltRepositoryWithDeps(db, &uuidGenerator{}, &defaultTimeSource{})
}

// NewBoltRepositoryWithDeps creates a BoltRepository with custom dependencies (for testing)
func NewBoltRepositoryWithDeps(db *bbolt.DB, idGen IDGenerator, timeSource TimeSource) *BoltRepository {
	return &BoltRepository{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSource,
	}
}

// Create stores a new invoice
func (b *BoltRepository) Create(ctx context.Context, in NewInvoice) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	inv := &Invoice{
		ID:        b.idGenerator.Generate(),
		FileID:    in.FileID,
		FileName:  in.FileName,
		Vendor:    in.Vendor,
		Invoice:   withLineItems(in.Invoice),
		CreatedAt: b.timeSource.Now(),
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(Bucket))
		if bucket.Get([]byte(inv.ID)) != nil {
			return fmt.Errorf("invoice id collision: %s", inv.ID)
		}
		data, err := json.Marshal(inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return bucket.Put([]byte(inv.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("saving invoice: %w", err)
	}

	return inv.ID, nil
}

// Get retrieves an invoice by ID
func (b *BoltRepository) Get(ctx context.Context, id string) (*Invoice, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	var inv *Invoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(Bucket)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// List returns matching invoices, newest first
func (b *BoltRepository) List(ctx context.Context, search string) ([]*Invoice, error) {
	term := strings.ToLower(strings.TrimSpace(search))

	invoices := make([]*Invoice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(Bucket)).ForEach(func(k, v []byte) error {
			var inv Invoice
			if err := json.Unmarshal(v, &inv); err != nil {
				return fmt.Errorf("unmarshaling invoice %s: %w", k, err)
			}
			if matches(&inv, term) {
				invoices = append(invoices, &inv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(invoices, func(i, j int) bool {
		if invoices[i].CreatedAt.Equal(invoices[j].CreatedAt) {
			return invoices[i].ID > invoices[j].ID
		}
		return invoices[i].CreatedAt.After(invoices[j].CreatedAt)
	})

	return invoices, nil
}

// Update replaces the sub-objects present in p. A missing id reports false
// before the patch is validated.
func (b *BoltRepository) Update(ctx context.Context, id string, p Patch) (bool, error) {
	if p.Empty() || !ValidID(id) {
		return false, nil
	}

	updated := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(Bucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}
		if err := p.validate(); err != nil {
			return err
		}

		var inv Invoice
		if err := json.Unmarshal(data, &inv); err != nil {
			return fmt.Errorf("unmarshaling invoice: %w", err)
		}

		changed, err := applyPatch(&inv, p)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		now := b.timeSource.Now()
		inv.UpdatedAt = &now

		out, err := json.Marshal(&inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		if err := bucket.Put([]byte(id), out); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if errors.Is(err, ErrValidation) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("updating invoice: %w", err)
	}

	return updated, nil
}

// Delete removes an invoice
func (b *BoltRepository) Delete(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}

	deleted := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(Bucket))
		if bucket.Get([]byte(id)) == nil {
			return nil
		}
		deleted = true
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return false, fmt.Errorf("deleting invoice: %w", err)
	}
	return deleted, nil
}

// applyPatch swaps in the patched sub-objects and reports whether the stored
// form differs from before.
func applyPatch(inv *Invoice, p Patch) (bool, error) {
	changed := false
	if p.Vendor != nil {
		diff, err := differs(inv.Vendor, *p.Vendor)
		if err != nil {
			return false, err
		}
		if diff {
			inv.Vendor = *p.Vendor
			changed = true
		}
	}
	if p.Invoice != nil {
		details := withLineItems(*p.Invoice)
		diff, err := differs(inv.Invoice, details)
		if err != nil {
			return false, err
		}
		if diff {
			inv.Invoice = details
			changed = true
		}
	}
	return changed, nil
}

// differs compares two values by their stored JSON form
func differs(a, b any) (bool, error) {
	aj, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("marshaling current value: %w", err)
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("marshaling patched value: %w", err)
	}
	return !bytes.Equal(aj, bj), nil
}
