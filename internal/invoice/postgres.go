package invoice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id         UUID PRIMARY KEY,
	file_id    TEXT NOT NULL DEFAULT '',
	file_name  TEXT NOT NULL DEFAULT '',
	vendor     JSONB NOT NULL,
	details    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS invoices_created_at_idx ON invoices (created_at DESC, id DESC);
`

const selectColumns = `SELECT id, file_id, file_name, vendor, details, created_at, updated_at FROM invoices`

// PostgresRepository implements Repository with JSONB columns for the
// embedded sub-objects.
type PostgresRepository struct {
	db          *sql.DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewPostgresRepository creates a PostgresRepository on a pool owned by the caller
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return NewPostgresRepositoryWithDeps(db, &uuidGenerator{}, &defaultTimeSource{})
}

// NewPostgresRepositoryWithDeps creates a PostgresRepository with custom dependencies (for testing)
func NewPostgresRepositoryWithDeps(db *sql.DB, idGen IDGenerator, timeSource TimeSource) *PostgresRepository {
	return &PostgresRepository{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSource,
	}
}

// EnsureSchema creates the invoices table if it doesn't exist
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating invoices table: %w", err)
	}
	return nil
}

// Create stores a new invoice
func (r *PostgresRepository) Create(ctx context.Context, in NewInvoice) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	vendor, err := json.Marshal(in.Vendor)
	if err != nil {
		return "", fmt.Errorf("marshaling vendor: %w", err)
	}
	details, err := json.Marshal(withLineItems(in.Invoice))
	if err != nil {
		return "", fmt.Errorf("marshaling invoice details: %w", err)
	}

	id := r.idGenerator.Generate()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO invoices (id, file_id, file_name, vendor, details, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.FileID, in.FileName, string(vendor), string(details), r.timeSource.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("saving invoice: %w", err)
	}

	return id, nil
}

// Get retrieves an invoice by ID
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Invoice, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// List returns matching invoices, newest first
func (r *PostgresRepository) List(ctx context.Context, search string) ([]*Invoice, error) {
	query := selectColumns
	var args []any
	if term := strings.TrimSpace(search); term != "" {
		query += ` WHERE vendor->>'name' ILIKE $1 ESCAPE '\' OR details->>'number' ILIKE $1 ESCAPE '\'`
		args = append(args, "%"+escapeLike(term)+"%")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	invoices := make([]*Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return invoices, nil
}

// Update replaces the sub-objects present in p. Rows whose JSONB values
// would not change are left untouched. A missing id reports false before
// the patch is validated.
func (r *PostgresRepository) Update(ctx context.Context, id string, p Patch) (bool, error) {
	if p.Empty() || !ValidID(id) {
		return false, nil
	}
	if err := p.validate(); err != nil {
		exists, existsErr := r.exists(ctx, id)
		if existsErr != nil || !exists {
			return false, existsErr
		}
		return false, err
	}

	var vendor, details sql.NullString
	if p.Vendor != nil {
		data, err := json.Marshal(p.Vendor)
		if err != nil {
			return false, fmt.Errorf("marshaling vendor: %w", err)
		}
		vendor = sql.NullString{String: string(data), Valid: true}
	}
	if p.Invoice != nil {
		data, err := json.Marshal(withLineItems(*p.Invoice))
		if err != nil {
			return false, fmt.Errorf("marshaling invoice details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `UPDATE invoices
SET vendor = COALESCE($2::jsonb, vendor), details = COALESCE($3::jsonb, details), updated_at = $4
WHERE id = $1
  AND (vendor IS DISTINCT FROM COALESCE($2::jsonb, vendor) OR details IS DISTINCT FROM COALESCE($3::jsonb, details))`,
		id, vendor, details, r.timeSource.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("updating invoice: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating invoice: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking invoice: %w", err)
	}
	return exists, nil
}

// Delete removes an invoice
func (r *PostgresRepository) Delete(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting invoice: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting invoice: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	var (
		inv       Invoice
		vendor    []byte
		details   []byte
		updatedAt sql.NullTime
	)
	if err := s.Scan(&inv.ID, &inv.FileID, &inv.FileName, &vendor, &details, &inv.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vendor, &inv.Vendor); err != nil {
		return nil, fmt.Errorf("unmarshaling vendor: %w", err)
	}
	if err := json.Unmarshal(details, &inv.Invoice); err != nil {
		return nil, fmt.Errorf("unmarshaling invoice details: %w", err)
	}
	inv.Invoice = withLineItems(inv.Invoice)
	inv.CreatedAt = inv.CreatedAt.UTC()
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		inv.UpdatedAt = &t
	}
	return &inv, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes a search term literal inside an ILIKE pattern
func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*BoltRepository)(nil)
)
