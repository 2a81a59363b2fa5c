package companies

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound indicates no company row matched the key.
	ErrNotFound = errors.New("companies: not found")
	// ErrDuplicate indicates a (namespace, external_id) collision.
	ErrDuplicate = errors.New("companies: duplicate external id")
	// ErrImmutableField indicates an update touched a column outside the allow-list.
	ErrImmutableField = errors.New("companies: field not on mutable allow-list")
)

// Repository provides keyed access to company rows.
type Repository interface {
	Snapshot(ctx context.Context) ([]Company, error)
	Get(ctx context.Context, id int64) (Company, error)
	GetByExternal(ctx context.Context, ns Namespace, externalID int64) (Company, error)
	Create(ctx context.Context, company Company) (Company, error)
	UpdateFields(ctx context.Context, id int64, fields map[string]any) error
	Delete(ctx context.Context, id int64) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const companyColumns = `id, namespace, external_id, legal_name, display_name, attributes, categories, bank_accounts, provenance, last_synced_at, created_at, updated_at`

const snapshotPageSize = 500

// Snapshot loads all company rows through the store's range-paginated select.
func (r *repository) Snapshot(ctx context.Context) ([]Company, error) {
	var all []Company
	for offset := 0; ; offset += snapshotPageSize {
		rows, err := r.pool.Query(ctx,
			`SELECT `+companyColumns+` FROM companies ORDER BY id LIMIT $1 OFFSET $2`,
			snapshotPageSize, offset)
		if err != nil {
			return nil, err
		}
		page, err := scanCompanies(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < snapshotPageSize {
			return all, nil
		}
	}
}

func (r *repository) Get(ctx context.Context, id int64) (Company, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id)
	return scanCompany(row)
}

func (r *repository) GetByExternal(ctx context.Context, ns Namespace, externalID int64) (Company, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE namespace = $1 AND external_id = $2`,
		string(ns), externalID)
	return scanCompany(row)
}

func (r *repository) Create(ctx context.Context, company Company) (Company, error) {
	now := time.Now()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO companies (namespace, external_id, legal_name, display_name, attributes, categories, bank_accounts, provenance, last_synced_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		string(company.Namespace), company.ExternalID, company.LegalName, company.DisplayName,
		company.Attributes, company.Categories, company.BankAccounts, company.Provenance,
		pgtype.Timestamptz{Time: company.LastSyncedAt, Valid: !company.LastSyncedAt.IsZero()},
		pgtype.Timestamptz{Time: now, Valid: true},
		pgtype.Timestamptz{Time: now, Valid: true},
	).Scan(&company.ID)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return Company{}, ErrDuplicate
		}
		return Company{}, err
	}
	company.CreatedAt = now
	company.UpdatedAt = now
	return company, nil
}

// UpdateFields applies a partial update restricted to the mutable allow-list.
func (r *repository) UpdateFields(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	query := `UPDATE companies SET updated_at = $1`
	args := []any{time.Now()}
	argCount := 1
	// Iterate the allow-list, not the map, so the column order is stable.
	for _, column := range MutableFields {
		value, ok := fields[column]
		if !ok {
			continue
		}
		argCount++
		query += `, ` + column + ` = $` + strconv.Itoa(argCount)
		args = append(args, value)
	}
	if argCount-1 != len(fields) {
		return ErrImmutableField
	}
	argCount++
	query += ` WHERE id = $` + strconv.Itoa(argCount)
	args = append(args, id)

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM companies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCompanies(rows pgx.Rows) ([]Company, error) {
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCompany(row pgx.Row) (Company, error) {
	var c Company
	var ns string
	var lastSynced, createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(&c.ID, &ns, &c.ExternalID, &c.LegalName, &c.DisplayName,
		&c.Attributes, &c.Categories, &c.BankAccounts, &c.Provenance,
		&lastSynced, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, ErrNotFound
		}
		return Company{}, err
	}
	c.Namespace = Namespace(ns)
	if lastSynced.Valid {
		c.LastSyncedAt = lastSynced.Time
	}
	if createdAt.Valid {
		c.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		c.UpdatedAt = updatedAt.Time
	}
	return c, nil
}
