package syncrun

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/reconcile"
	"github.com/meridian-erp/corebridge/internal/remote"
)

// Executor applies reconciled inserts and updates as per-record operations,
// journaling each one. A failure on one record never aborts the batch.
type Executor struct {
	companies companies.Repository
	journal   Journal
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor constructs an Executor.
func NewExecutor(repo companies.Repository, journal Journal, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{companies: repo, journal: journal, logger: logger, now: time.Now}
}

// ApplyResult reports the per-record outcome of one Apply pass.
type ApplyResult struct {
	Inserted int
	Updated  int
	Errors   []WriteError
}

// Apply writes the batch. Inserts journal an INSERTED action after the row
// lands; updates capture a before-image of exactly the columns about to
// change, journal it, then apply.
func (e *Executor) Apply(ctx context.Context, batch Batch, toInsert []remote.Company, toUpdate []reconcile.Update) ApplyResult {
	var result ApplyResult

	for _, record := range toInsert {
		if err := e.insert(ctx, batch, record); err != nil {
			result.Errors = append(result.Errors, WriteError{ExternalID: record.ExternalID, Cause: err})
			e.logger.Error("insert failed",
				slog.Int64("external_id", record.ExternalID),
				slog.Any("error", err))
			continue
		}
		result.Inserted++
	}

	for _, update := range toUpdate {
		if err := e.update(ctx, batch, update); err != nil {
			result.Errors = append(result.Errors, WriteError{ExternalID: update.ExternalID, Cause: err})
			e.logger.Error("update failed",
				slog.Int64("external_id", update.ExternalID),
				slog.Int64("company_id", update.CompanyID),
				slog.Any("error", err))
			continue
		}
		result.Updated++
	}

	return result
}

func (e *Executor) insert(ctx context.Context, batch Batch, record remote.Company) error {
	created, err := e.companies.Create(ctx, e.toCompany(record))
	if err != nil {
		return err
	}
	err = e.journal.Append(ctx, ActionRecord{
		BatchID:   batch.ID,
		CompanyID: created.ID,
		Action:    ActionInserted,
	})
	if err != nil {
		// Every row a batch writes must be journaled or the batch stops being
		// rollback-able; take the unjournaled row back out.
		_ = e.companies.Delete(ctx, created.ID)
		return err
	}
	return nil
}

func (e *Executor) update(ctx context.Context, batch Batch, update reconcile.Update) error {
	current, err := e.companies.Get(ctx, update.CompanyID)
	if err != nil {
		return err
	}

	image := make(map[string]any, len(update.Changes))
	for column := range update.Changes {
		value, ok := current.FieldValue(column)
		if !ok {
			return companies.ErrImmutableField
		}
		image[column] = value
	}

	// Journal first: an appended action whose update never ran reverts the row
	// to the values it already has, which is harmless.
	err = e.journal.Append(ctx, ActionRecord{
		BatchID:     batch.ID,
		CompanyID:   update.CompanyID,
		Action:      ActionUpdated,
		BeforeImage: image,
	})
	if err != nil {
		return err
	}
	return e.companies.UpdateFields(ctx, update.CompanyID, normalizeChanges(update.Changes))
}

// normalizeChanges applies the same blob defaulting as inserts, so a remote
// record that cleared a blob never writes NULL into the store.
func normalizeChanges(changes map[string]any) map[string]any {
	out := make(map[string]any, len(changes))
	for column, value := range changes {
		if raw, ok := value.(json.RawMessage); ok {
			switch column {
			case "attributes":
				value = defaultBlob(raw, "{}")
			case "categories", "bank_accounts":
				value = defaultBlob(raw, "[]")
			}
		}
		out[column] = value
	}
	return out
}

// toCompany maps a remote record onto a new local row, applying the defaults
// the store itself never applies.
func (e *Executor) toCompany(record remote.Company) companies.Company {
	provenance := companies.ProvenanceCoreAPI
	if record.Namespace == companies.NamespaceCRM {
		provenance = companies.ProvenanceCRMAPI
	}
	return companies.Company{
		Namespace:    record.Namespace,
		ExternalID:   record.ExternalID,
		LegalName:    record.LegalName,
		DisplayName:  record.DisplayName,
		Attributes:   defaultBlob(record.Attributes, "{}"),
		Categories:   defaultBlob(record.Categories, "[]"),
		BankAccounts: defaultBlob(record.BankAccounts, "[]"),
		Provenance:   []string{provenance},
		LastSyncedAt: e.now(),
	}
}

func defaultBlob(raw json.RawMessage, empty string) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(empty)
	}
	return raw
}
