package syncrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridian-erp/corebridge/internal/companies"
)

// Compensator reverses a sync batch from its journal alone; no live remote
// connection is involved. Rollback is per-record best-effort and idempotent:
// rows already gone or reverted count as zero-effect, never as errors.
type Compensator struct {
	companies companies.Repository
	journal   Journal
	logger    *slog.Logger
}

// NewCompensator constructs a Compensator.
func NewCompensator(repo companies.Repository, journal Journal, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{companies: repo, journal: journal, logger: logger}
}

// Rollback deletes rows INSERTED by the batch and writes stored before-images
// back over rows it UPDATED, touching only the columns each image covers. The
// journal is purged only after a pass with zero errors, so a partial rollback
// can always be retried.
func (c *Compensator) Rollback(ctx context.Context, batchID uuid.UUID) (RollbackSummary, error) {
	summary := RollbackSummary{BatchID: batchID}

	actions, err := c.journal.Actions(ctx, batchID)
	if err != nil {
		return summary, err
	}
	if len(actions) == 0 {
		// Already rolled back and purged, or the batch never wrote anything.
		return summary, nil
	}

	for _, action := range actions {
		switch action.Action {
		case ActionInserted:
			err := c.companies.Delete(ctx, action.CompanyID)
			switch {
			case err == nil:
				summary.Deleted++
			case errors.Is(err, companies.ErrNotFound):
				// Row already gone; zero-effect.
			default:
				c.recordError(&summary, RollbackError{CompanyID: action.CompanyID, Cause: err})
				c.logger.Error("rollback delete failed",
					slog.Int64("company_id", action.CompanyID),
					slog.Any("error", err))
			}
		case ActionUpdated:
			if len(action.BeforeImage) == 0 {
				continue
			}
			err := c.companies.UpdateFields(ctx, action.CompanyID, action.BeforeImage)
			switch {
			case err == nil:
				summary.Reverted++
			case errors.Is(err, companies.ErrNotFound):
				// Row deleted since the sync; nothing left to revert.
			default:
				c.recordError(&summary, RollbackError{CompanyID: action.CompanyID, Cause: err})
				c.logger.Error("rollback revert failed",
					slog.Int64("company_id", action.CompanyID),
					slog.Any("error", err))
			}
		default:
			c.recordError(&summary, RollbackError{
				CompanyID: action.CompanyID,
				Cause:     fmt.Errorf("unknown journal action %q", action.Action),
			})
			c.logger.Error("unknown journal action",
				slog.String("action", string(action.Action)),
				slog.Int64("company_id", action.CompanyID))
		}
	}

	if summary.Errors == 0 {
		if err := c.journal.Purge(ctx, batchID); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (c *Compensator) recordError(summary *RollbackSummary, rbErr RollbackError) {
	summary.Errors++
	summary.RollbackErrors = append(summary.RollbackErrors, rbErr.Error())
}
