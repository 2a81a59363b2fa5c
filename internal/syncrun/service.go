package syncrun

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/reconcile"
	"github.com/meridian-erp/corebridge/internal/remote"
)

// RemoteSource is the slice of the remote client the service needs.
type RemoteSource interface {
	FetchAllPages(ctx context.Context, ep remote.Endpoint, pageSize int, filters url.Values) ([]remote.Company, error)
}

// Locker serializes runs per namespace. A nil Locker disables locking.
type Locker interface {
	Acquire(ctx context.Context, ns companies.Namespace) (func(), error)
}

// ServiceConfig collects the service dependencies.
type ServiceConfig struct {
	Source    RemoteSource
	Companies companies.Repository
	Journal   Journal
	Lock      Locker
	PageSize  int
	Logger    *slog.Logger
}

// Service exposes the three driver operations: RunSync, RunRollback and
// RunReconcileReport, plus the confirmation-gated duplicate purge.
type Service struct {
	source    RemoteSource
	companies companies.Repository
	journal   Journal
	lock      Locker
	pageSize  int
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Service{
		source:    cfg.Source,
		companies: cfg.Companies,
		journal:   cfg.Journal,
		lock:      cfg.Lock,
		pageSize:  pageSize,
		logger:    logger,
		now:       time.Now,
	}
}

// RunSync pulls the namespace's remote collection, reconciles it against the
// local snapshot and applies the result as one journaled batch. A fetch that
// dies mid-sequence does not abort the run: the pages already retrieved are
// applied and the summary says the fetch was truncated.
func (s *Service) RunSync(ctx context.Context, ns companies.Namespace) (RunSummary, error) {
	if !ns.Valid() {
		return RunSummary{}, errors.New("syncrun: unknown namespace")
	}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, ns)
		if err != nil {
			return RunSummary{}, err
		}
		defer release()
	}

	started := s.now()
	records, fetchErr := s.source.FetchAllPages(ctx, remote.CollectionEndpoint(ns), s.pageSize, nil)
	if fetchErr != nil && len(records) == 0 {
		return RunSummary{}, fetchErr
	}

	snapshot, err := s.companies.Snapshot(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	result := reconcile.Classify(records, snapshot, started)

	batch := Batch{ID: uuid.New(), SourceNamespace: ns, StartedAt: started}
	if err := s.journal.CreateBatch(ctx, batch); err != nil {
		return RunSummary{}, err
	}

	applied := NewExecutor(s.companies, s.journal, s.logger).Apply(ctx, batch, result.ToInsert, result.ToUpdate)

	finished := s.now()
	if err := s.journal.FinishBatch(ctx, batch.ID, finished); err != nil {
		s.logger.Error("could not mark batch finished",
			slog.String("batch_id", batch.ID.String()), slog.Any("error", err))
	}

	summary := RunSummary{
		BatchID:    batch.ID,
		Namespace:  ns,
		Inserted:   applied.Inserted,
		Updated:    applied.Updated,
		Unchanged:  result.Unchanged,
		Failed:     len(applied.Errors),
		Duplicates: result.Duplicates,
		StartedAt:  started,
		FinishedAt: finished,
	}
	for _, we := range applied.Errors {
		summary.WriteErrors = append(summary.WriteErrors, we.Error())
	}
	if fetchErr != nil {
		summary.Truncated = fetchErr.Error()
	}

	s.logger.Info("sync run finished",
		slog.String("batch_id", batch.ID.String()),
		slog.String("namespace", string(ns)),
		slog.Int("inserted", summary.Inserted),
		slog.Int("updated", summary.Updated),
		slog.Int("unchanged", summary.Unchanged),
		slog.Int("failed", summary.Failed),
		slog.Int("duplicate_candidates", len(summary.Duplicates)))
	return summary, nil
}

// RunRollback reverses a prior batch from its journal.
func (s *Service) RunRollback(ctx context.Context, batchID uuid.UUID) (RollbackSummary, error) {
	summary, err := NewCompensator(s.companies, s.journal, s.logger).Rollback(ctx, batchID)
	if err != nil {
		return summary, err
	}
	s.logger.Info("rollback finished",
		slog.String("batch_id", batchID.String()),
		slog.Int("deleted", summary.Deleted),
		slog.Int("reverted", summary.Reverted),
		slog.Int("errors", summary.Errors))
	return summary, nil
}

// LatestBatch returns the most recently started batch.
func (s *Service) LatestBatch(ctx context.Context) (Batch, error) {
	return s.journal.LatestBatch(ctx)
}

// ListBatches returns recent batches, newest first.
func (s *Service) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	return s.journal.ListBatches(ctx, limit)
}

// ReconcileReport is the dry-run output: what a sync would do, plus the
// duplicate candidate list, with no writes at all.
type ReconcileReport struct {
	Namespace  companies.Namespace            `json:"namespace"`
	ToInsert   int                            `json:"to_insert"`
	ToUpdate   int                            `json:"to_update"`
	Unchanged  int                            `json:"unchanged"`
	Duplicates []reconcile.DuplicateCandidate `json:"duplicates,omitempty"`
	Truncated  string                         `json:"truncated,omitempty"`
}

// RunReconcileReport classifies without writing anything.
func (s *Service) RunReconcileReport(ctx context.Context, ns companies.Namespace) (ReconcileReport, error) {
	if !ns.Valid() {
		return ReconcileReport{}, errors.New("syncrun: unknown namespace")
	}

	records, fetchErr := s.source.FetchAllPages(ctx, remote.CollectionEndpoint(ns), s.pageSize, nil)
	if fetchErr != nil && len(records) == 0 {
		return ReconcileReport{}, fetchErr
	}
	snapshot, err := s.companies.Snapshot(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	result := reconcile.Classify(records, snapshot, s.now())
	report := ReconcileReport{
		Namespace:  ns,
		ToInsert:   len(result.ToInsert),
		ToUpdate:   len(result.ToUpdate),
		Unchanged:  result.Unchanged,
		Duplicates: result.Duplicates,
	}
	if fetchErr != nil {
		report.Truncated = fetchErr.Error()
	}
	return report, nil
}

// PurgeDuplicates deletes explicitly confirmed duplicate rows. Each id is
// re-checked to still be CRM-only before deletion; anything else is skipped.
// Nothing in this repository calls it without an operator-confirmed list.
func (s *Service) PurgeDuplicates(ctx context.Context, confirmedIDs []int64) (int, error) {
	deleted := 0
	for _, id := range confirmedIDs {
		current, err := s.companies.Get(ctx, id)
		if err != nil {
			if errors.Is(err, companies.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		if !current.CRMOnly() {
			s.logger.Warn("refusing to purge non-CRM-only company",
				slog.Int64("company_id", id),
				slog.Any("provenance", current.Provenance))
			continue
		}
		if err := s.companies.Delete(ctx, id); err != nil && !errors.Is(err, companies.ErrNotFound) {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
