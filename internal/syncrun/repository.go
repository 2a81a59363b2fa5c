package syncrun

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/corebridge/internal/companies"
)

// ErrBatchNotFound indicates no batch row matched.
var ErrBatchNotFound = errors.New("syncrun: batch not found")

// Journal persists batches and their action records. The Sync Executor is the
// only writer during a sync; the Compensator is the only writer during a
// rollback.
type Journal interface {
	CreateBatch(ctx context.Context, batch Batch) error
	FinishBatch(ctx context.Context, id uuid.UUID, at time.Time) error
	Append(ctx context.Context, record ActionRecord) error
	Actions(ctx context.Context, batchID uuid.UUID) ([]ActionRecord, error)
	Purge(ctx context.Context, batchID uuid.UUID) error
	LatestBatch(ctx context.Context) (Batch, error)
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
}

type journal struct {
	pool *pgxpool.Pool
}

// NewJournal constructs a PostgreSQL backed journal.
func NewJournal(pool *pgxpool.Pool) Journal {
	return &journal{pool: pool}
}

func (j *journal) CreateBatch(ctx context.Context, batch Batch) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO sync_batches (id, source_namespace, started_at) VALUES ($1, $2, $3)`,
		batch.ID, string(batch.SourceNamespace), batch.StartedAt)
	return err
}

func (j *journal) FinishBatch(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := j.pool.Exec(ctx,
		`UPDATE sync_batches SET finished_at = $1 WHERE id = $2 AND finished_at IS NULL`,
		at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (j *journal) Append(ctx context.Context, record ActionRecord) error {
	image, err := encodeBeforeImage(record.BeforeImage)
	if err != nil {
		return err
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO sync_actions (batch_id, company_id, action, before_image, created_at) VALUES ($1, $2, $3, $4, $5)`,
		record.BatchID, record.CompanyID, string(record.Action), image, time.Now())
	return err
}

func (j *journal) Actions(ctx context.Context, batchID uuid.UUID) ([]ActionRecord, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, batch_id, company_id, action, before_image, created_at FROM sync_actions WHERE batch_id = $1 ORDER BY id`,
		batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var action string
		var image []byte
		var createdAt pgtype.Timestamptz
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.CompanyID, &action, &image, &createdAt); err != nil {
			return nil, err
		}
		rec.Action = Action(action)
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time
		}
		if rec.BeforeImage, err = decodeBeforeImage(image); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (j *journal) Purge(ctx context.Context, batchID uuid.UUID) error {
	_, err := j.pool.Exec(ctx, `DELETE FROM sync_actions WHERE batch_id = $1`, batchID)
	return err
}

func (j *journal) LatestBatch(ctx context.Context) (Batch, error) {
	row := j.pool.QueryRow(ctx,
		`SELECT id, source_namespace, started_at, finished_at FROM sync_batches ORDER BY started_at DESC LIMIT 1`)
	return scanBatch(row)
}

func (j *journal) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.pool.Query(ctx,
		`SELECT id, source_namespace, started_at, finished_at FROM sync_batches ORDER BY started_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var ns string
	var startedAt, finishedAt pgtype.Timestamptz
	if err := row.Scan(&b.ID, &ns, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	b.SourceNamespace = companies.Namespace(ns)
	if startedAt.Valid {
		b.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	return b, nil
}
