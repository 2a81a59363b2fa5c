package syncrun

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/reconcile"
	"github.com/meridian-erp/corebridge/internal/remote"
)

func testBatch(ns companies.Namespace) Batch {
	return Batch{ID: uuid.New(), SourceNamespace: ns, StartedAt: time.Now()}
}

func TestApplyInsertJournalsAndDefaults(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	batch := testBatch(companies.NamespaceCore)
	executor := NewExecutor(repo, journal, nil)

	result := executor.Apply(context.Background(), batch, []remote.Company{{
		ExternalID: 7,
		LegalName:  "Acme GmbH",
		Namespace:  companies.NamespaceCore,
	}}, nil)

	require.Equal(t, 1, result.Inserted)
	require.Empty(t, result.Errors)

	created, err := repo.GetByExternal(context.Background(), companies.NamespaceCore, 7)
	require.NoError(t, err)
	require.Equal(t, []string{companies.ProvenanceCoreAPI}, created.Provenance)
	require.False(t, created.LastSyncedAt.IsZero())
	// The store does no defaulting; the executor fills empty blobs.
	require.JSONEq(t, `{}`, string(created.Attributes))
	require.JSONEq(t, `[]`, string(created.Categories))
	require.JSONEq(t, `[]`, string(created.BankAccounts))

	actions, err := journal.Actions(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, ActionInserted, actions[0].Action)
	require.Equal(t, created.ID, actions[0].CompanyID)
	require.Empty(t, actions[0].BeforeImage)
}

func TestApplyCRMInsertCarriesCRMProvenance(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	executor := NewExecutor(repo, journal, nil)

	result := executor.Apply(context.Background(), testBatch(companies.NamespaceCRM), []remote.Company{{
		ExternalID: 9,
		LegalName:  "Prospect Kft",
		Namespace:  companies.NamespaceCRM,
	}}, nil)

	require.Equal(t, 1, result.Inserted)
	created, err := repo.GetByExternal(context.Background(), companies.NamespaceCRM, 9)
	require.NoError(t, err)
	require.True(t, created.CRMOnly())
}

func TestApplyUpdateCapturesBeforeImageOfChangedFieldsOnly(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	existing, err := repo.Create(context.Background(), companies.Company{
		Namespace:   companies.NamespaceCore,
		ExternalID:  2,
		LegalName:   "Beta AG",
		DisplayName: "Beta Industries",
		Attributes:  json.RawMessage(`{"city":"Vienna"}`),
		Provenance:  []string{companies.ProvenanceCoreAPI},
	})
	require.NoError(t, err)

	batch := testBatch(companies.NamespaceCore)
	now := time.Now()
	result := NewExecutor(repo, journal, nil).Apply(context.Background(), batch, nil, []reconcile.Update{{
		CompanyID:  existing.ID,
		Namespace:  companies.NamespaceCore,
		ExternalID: 2,
		Changes: map[string]any{
			"display_name":   "Beta",
			"last_synced_at": now,
		},
	}})

	require.Equal(t, 1, result.Updated)
	require.Empty(t, result.Errors)

	actions, err := journal.Actions(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, ActionUpdated, actions[0].Action)
	// Before-image covers exactly the changed columns, with pre-sync values.
	require.Len(t, actions[0].BeforeImage, 2)
	require.Equal(t, "Beta Industries", actions[0].BeforeImage["display_name"])
	require.NotContains(t, actions[0].BeforeImage, "legal_name")
	require.NotContains(t, actions[0].BeforeImage, "attributes")

	updated, err := repo.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	require.Equal(t, "Beta", updated.DisplayName)
	require.Equal(t, "Beta AG", updated.LegalName)
}

func TestApplyUpdateDefaultsClearedBlobs(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	existing, err := repo.Create(context.Background(), companies.Company{
		Namespace:  companies.NamespaceCore,
		ExternalID: 2,
		LegalName:  "Beta AG",
		Attributes: json.RawMessage(`{"city":"Vienna"}`),
		Categories: json.RawMessage(`["supplier"]`),
		Provenance: []string{companies.ProvenanceCoreAPI},
	})
	require.NoError(t, err)

	// The remote record dropped both blobs; the stored values become the
	// empty defaults, never NULL.
	result := NewExecutor(repo, journal, nil).Apply(context.Background(), testBatch(companies.NamespaceCore), nil, []reconcile.Update{{
		CompanyID:  existing.ID,
		ExternalID: 2,
		Changes: map[string]any{
			"attributes":     json.RawMessage(nil),
			"categories":     json.RawMessage(nil),
			"last_synced_at": time.Now(),
		},
	}})
	require.Equal(t, 1, result.Updated)

	updated, err := repo.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(updated.Attributes))
	require.JSONEq(t, `[]`, string(updated.Categories))
}

func TestApplyIsolatesPerRecordFailures(t *testing.T) {
	repo := newMemoryCompanies()
	repo.failCreateFor[2] = errBoom
	journal := newMemoryJournal()
	batch := testBatch(companies.NamespaceCore)

	result := NewExecutor(repo, journal, nil).Apply(context.Background(), batch, []remote.Company{
		{ExternalID: 1, LegalName: "One", Namespace: companies.NamespaceCore},
		{ExternalID: 2, LegalName: "Two", Namespace: companies.NamespaceCore},
		{ExternalID: 3, LegalName: "Three", Namespace: companies.NamespaceCore},
	}, nil)

	require.Equal(t, 2, result.Inserted)
	require.Len(t, result.Errors, 1)
	require.Equal(t, int64(2), result.Errors[0].ExternalID)
	require.ErrorIs(t, result.Errors[0], errBoom)

	actions, err := journal.Actions(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
}

func TestApplyRemovesRowWhenJournalAppendFails(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	journal.failAppend = errBoom
	batch := testBatch(companies.NamespaceCore)

	result := NewExecutor(repo, journal, nil).Apply(context.Background(), batch, []remote.Company{
		{ExternalID: 1, LegalName: "One", Namespace: companies.NamespaceCore},
	}, nil)

	require.Zero(t, result.Inserted)
	require.Len(t, result.Errors, 1)
	// The unjournaled row must not survive, or the batch loses rollback-ability.
	_, err := repo.GetByExternal(context.Background(), companies.NamespaceCore, 1)
	require.ErrorIs(t, err, companies.ErrNotFound)
}
