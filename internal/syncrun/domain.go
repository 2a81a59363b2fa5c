// Package syncrun owns sync batches: executing them, journaling every write
// they make, and compensating them exactly when a batch is rolled back.
package syncrun

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/reconcile"
)

// Action classifies what a sync did to one company row.
type Action string

const (
	ActionInserted Action = "INSERTED"
	ActionUpdated  Action = "UPDATED"
)

// Batch represents one execution of the sync pipeline, the unit of rollback.
// Immutable once finished.
type Batch struct {
	ID              uuid.UUID           `json:"id"`
	SourceNamespace companies.Namespace `json:"source_namespace"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
}

// ActionRecord is one journal row: a company touched by a batch. UPDATED
// records carry a before-image of exactly the allow-listed columns the update
// changed, never the whole record.
type ActionRecord struct {
	ID          int64
	BatchID     uuid.UUID
	CompanyID   int64
	Action      Action
	BeforeImage map[string]any
	CreatedAt   time.Time
}

// WriteError reports an isolated per-record write failure. It never aborts the
// batch it occurred in.
type WriteError struct {
	ExternalID int64
	Cause      error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("syncrun: write for external id %d failed: %v", e.ExternalID, e.Cause)
}

func (e WriteError) Unwrap() error { return e.Cause }

// RollbackError reports an isolated per-record compensation failure. The
// batch's journal survives it, so the rollback can be retried.
type RollbackError struct {
	CompanyID int64
	Cause     error
}

func (e RollbackError) Error() string {
	return fmt.Sprintf("syncrun: rollback of company %d failed: %v", e.CompanyID, e.Cause)
}

func (e RollbackError) Unwrap() error { return e.Cause }

// RunSummary reports the outcome of one sync run.
type RunSummary struct {
	BatchID    uuid.UUID                      `json:"batch_id"`
	Namespace  companies.Namespace            `json:"namespace"`
	Inserted   int                            `json:"inserted"`
	Updated    int                            `json:"updated"`
	Unchanged  int                            `json:"unchanged"`
	Failed     int                            `json:"failed"`
	Duplicates []reconcile.DuplicateCandidate `json:"duplicates,omitempty"`
	// Truncated carries the fetch error that cut the page sequence short; the
	// run proceeded with the pages already retrieved.
	Truncated   string    `json:"truncated,omitempty"`
	WriteErrors []string  `json:"write_errors,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RollbackSummary reports the outcome of one rollback pass.
type RollbackSummary struct {
	BatchID        uuid.UUID `json:"batch_id"`
	Deleted        int       `json:"deleted"`
	Reverted       int       `json:"reverted"`
	Errors         int       `json:"errors"`
	RollbackErrors []string  `json:"rollback_errors,omitempty"`
}

// encodeBeforeImage serializes a before-image for jsonb storage.
func encodeBeforeImage(image map[string]any) ([]byte, error) {
	if len(image) == 0 {
		return nil, nil
	}
	return json.Marshal(image)
}

// decodeBeforeImage restores the typed column values a stored before-image
// holds, using the allow-list to pick the type for each column.
func decodeBeforeImage(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	image := make(map[string]any, len(fields))
	for column, value := range fields {
		switch column {
		case "legal_name", "display_name":
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return nil, fmt.Errorf("syncrun: before-image column %s: %w", column, err)
			}
			image[column] = s
		case "last_synced_at":
			var t time.Time
			if err := json.Unmarshal(value, &t); err != nil {
				return nil, fmt.Errorf("syncrun: before-image column %s: %w", column, err)
			}
			image[column] = t
		case "attributes", "categories", "bank_accounts":
			image[column] = json.RawMessage(value)
		default:
			return nil, fmt.Errorf("syncrun: before-image column %s is not on the allow-list", column)
		}
	}
	return image, nil
}
