package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/syncrun"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSyncRun runs one sync batch for a namespace.
	TaskTypeSyncRun = "sync:run"
	// TaskTypeSyncRollback rolls back a previously applied batch.
	TaskTypeSyncRollback = "sync:rollback"
)

// SyncRunPayload parameterizes a scheduled sync. Scheduled runs cannot pop a
// browser, so the payload carries a pre-acquired bearer token.
type SyncRunPayload struct {
	Namespace   string `json:"namespace"`
	AccessToken string `json:"access_token"`
}

// SyncRollbackPayload names the batch to reverse.
type SyncRollbackPayload struct {
	BatchID string `json:"batch_id"`
}

// NewSyncRunTask constructs an Asynq task for one sync run.
func NewSyncRunTask(payload SyncRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSyncRun, data), nil
}

// NewSyncRollbackTask constructs an Asynq task for one rollback.
func NewSyncRollbackTask(payload SyncRollbackPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSyncRollback, data), nil
}

// ServiceFactory builds a sync service around a bearer token. Rollbacks need
// no remote connection and pass an empty token.
type ServiceFactory func(token string) *syncrun.Service

// NewSyncRunHandler returns the handler for TaskTypeSyncRun tasks.
func NewSyncRunHandler(factory ServiceFactory, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SyncRunPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		ns := companies.Namespace(payload.Namespace)
		if !ns.Valid() || payload.AccessToken == "" {
			logger.Error("sync task payload rejected", slog.String("namespace", payload.Namespace))
			return asynq.SkipRetry
		}
		summary, err := factory(payload.AccessToken).RunSync(ctx, ns)
		if err != nil {
			return err
		}
		logger.Info("scheduled sync finished",
			slog.String("batch_id", summary.BatchID.String()),
			slog.Int("inserted", summary.Inserted),
			slog.Int("updated", summary.Updated),
			slog.Int("failed", summary.Failed))
		return nil
	}
}

// NewSyncRollbackHandler returns the handler for TaskTypeSyncRollback tasks.
func NewSyncRollbackHandler(factory ServiceFactory, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SyncRollbackPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		batchID, err := uuid.Parse(payload.BatchID)
		if err != nil {
			return asynq.SkipRetry
		}
		summary, err := factory("").RunRollback(ctx, batchID)
		if err != nil {
			return err
		}
		logger.Info("scheduled rollback finished",
			slog.String("batch_id", payload.BatchID),
			slog.Int("deleted", summary.Deleted),
			slog.Int("reverted", summary.Reverted),
			slog.Int("errors", summary.Errors))
		return nil
	}
}
