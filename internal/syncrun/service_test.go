package syncrun

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/remote"
)

func newTestService(source RemoteSource, repo *memoryCompanies, journal *memoryJournal) *Service {
	return NewService(ServiceConfig{
		Source:    source,
		Companies: repo,
		Journal:   journal,
		PageSize:  10,
	})
}

func TestRunSyncInsertsUpdatesAndJournals(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	existing, err := repo.Create(context.Background(), companies.Company{
		Namespace:   companies.NamespaceCore,
		ExternalID:  2,
		LegalName:   "Beta AG",
		DisplayName: "Beta Industries",
		Provenance:  []string{companies.ProvenanceCoreAPI},
	})
	require.NoError(t, err)

	source := &fakeSource{records: []remote.Company{
		{ExternalID: 1, LegalName: "Acme GmbH", Namespace: companies.NamespaceCore},
		{ExternalID: 2, LegalName: "Beta AG", DisplayName: "Beta", Namespace: companies.NamespaceCore},
	}}

	summary, err := newTestService(source, repo, journal).RunSync(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Inserted)
	require.Equal(t, 1, summary.Updated)
	require.Zero(t, summary.Unchanged)
	require.Zero(t, summary.Failed)
	require.NotEqual(t, summary.BatchID.String(), "00000000-0000-0000-0000-000000000000")
	require.False(t, summary.FinishedAt.IsZero())

	updated, err := repo.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	require.Equal(t, "Beta", updated.DisplayName)

	actions, err := journal.Actions(context.Background(), summary.BatchID)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	batch, err := journal.LatestBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, summary.BatchID, batch.ID)
	require.False(t, batch.FinishedAt.IsZero())
}

func TestRunSyncTwiceWithIdenticalFeedIsIdempotent(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	source := &fakeSource{records: []remote.Company{
		{ExternalID: 1, LegalName: "Acme GmbH", Namespace: companies.NamespaceCore},
		{ExternalID: 2, LegalName: "Beta AG", Attributes: json.RawMessage(`{"city":"Vienna"}`), Namespace: companies.NamespaceCore},
	}}
	service := newTestService(source, repo, journal)

	first, err := service.RunSync(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	require.Equal(t, 2, first.Inserted)

	// The inserts defaulted the absent blobs to {}/[], which must not read
	// as a change against the same feed.
	second, err := service.RunSync(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	require.Zero(t, second.Inserted)
	require.Zero(t, second.Updated)
	require.Equal(t, 2, second.Unchanged)

	actions, err := journal.Actions(context.Background(), second.BatchID)
	require.NoError(t, err)
	require.Empty(t, actions)
}

func TestRunSyncThenRollbackRestoresState(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	source := &fakeSource{records: []remote.Company{
		{ExternalID: 1, LegalName: "Acme GmbH", Namespace: companies.NamespaceCore},
	}}
	service := newTestService(source, repo, journal)

	summary, err := service.RunSync(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Inserted)

	rollback, err := service.RunRollback(context.Background(), summary.BatchID)
	require.NoError(t, err)
	require.Equal(t, 1, rollback.Deleted)

	snapshot, err := repo.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, snapshot)
}

func TestRunSyncSurfacesDuplicateCandidates(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	crmOnly, err := repo.Create(context.Background(), companies.Company{
		Namespace:  companies.NamespaceCRM,
		ExternalID: 100,
		LegalName:  "Acme GmbH",
		Provenance: []string{companies.ProvenanceCRMAPI},
	})
	require.NoError(t, err)

	summary, err := newTestService(&fakeSource{}, repo, journal).RunSync(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	require.Len(t, summary.Duplicates, 1)
	require.Equal(t, crmOnly.ID, summary.Duplicates[0].CompanyID)

	// Surfaced only: the row is still there.
	_, err = repo.Get(context.Background(), crmOnly.ID)
	require.NoError(t, err)
}

func TestRunSyncProceedsWithPartialFetch(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	source := &fakeSource{
		records: []remote.Company{{ExternalID: 1, LegalName: "Acme GmbH", Namespace: companies.NamespaceCore}},
		err:     &remote.FetchError{Page: 2, Status: 500},
	}

	summary, err := newTestService(source, repo, journal).RunSync(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Inserted)
	require.Contains(t, summary.Truncated, "page 2")
}

func TestRunSyncAbortsWhenFetchYieldsNothing(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	source := &fakeSource{err: &remote.FetchError{Page: 1, Status: 500}}

	_, err := newTestService(source, repo, journal).RunSync(context.Background(), companies.NamespaceCore)
	var fetchErr *remote.FetchError
	require.ErrorAs(t, err, &fetchErr)

	_, err = journal.LatestBatch(context.Background())
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestRunSyncRejectsUnknownNamespace(t *testing.T) {
	_, err := newTestService(&fakeSource{}, newMemoryCompanies(), newMemoryJournal()).
		RunSync(context.Background(), companies.Namespace("BOGUS"))
	require.Error(t, err)
}

func TestRunReconcileReportMakesNoWrites(t *testing.T) {
	repo := newMemoryCompanies()
	journal := newMemoryJournal()
	source := &fakeSource{records: []remote.Company{
		{ExternalID: 1, LegalName: "Acme GmbH", Namespace: companies.NamespaceCore},
	}}

	report, err := newTestService(source, repo, journal).RunReconcileReport(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	require.Equal(t, 1, report.ToInsert)

	snapshot, err := repo.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, snapshot)
	_, err = journal.LatestBatch(context.Background())
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestPurgeDuplicatesOnlyDeletesConfirmedCRMOnlyRows(t *testing.T) {
	repo := newMemoryCompanies()
	crmOnly, err := repo.Create(context.Background(), companies.Company{
		Namespace:  companies.NamespaceCRM,
		ExternalID: 100,
		LegalName:  "Acme GmbH",
		Provenance: []string{companies.ProvenanceCRMAPI},
	})
	require.NoError(t, err)
	coreRow, err := repo.Create(context.Background(), companies.Company{
		Namespace:  companies.NamespaceCore,
		ExternalID: 1,
		LegalName:  "Acme GmbH",
		Provenance: []string{companies.ProvenanceCoreAPI},
	})
	require.NoError(t, err)

	service := newTestService(&fakeSource{}, repo, newMemoryJournal())
	deleted, err := service.PurgeDuplicates(context.Background(), []int64{crmOnly.ID, coreRow.ID, 9999})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	// The CORE row was confirmed by mistake; the service refused it.
	_, err = repo.Get(context.Background(), coreRow.ID)
	require.NoError(t, err)
	_, err = repo.Get(context.Background(), crmOnly.ID)
	require.ErrorIs(t, err, companies.ErrNotFound)
}

func TestRunLockSerializesRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock := NewRunLock(client, time.Minute)

	release, err := lock.Acquire(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)

	_, err = lock.Acquire(context.Background(), companies.NamespaceCore)
	require.ErrorIs(t, err, ErrSyncInProgress)

	// A different namespace is unaffected.
	releaseCRM, err := lock.Acquire(context.Background(), companies.NamespaceCRM)
	require.NoError(t, err)
	releaseCRM()

	release()
	release2, err := lock.Acquire(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	release2()
}

func TestRunSyncReturnsErrSyncInProgressWhenLocked(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	lock := NewRunLock(client, time.Minute)

	held, err := lock.Acquire(context.Background(), companies.NamespaceCore)
	require.NoError(t, err)
	defer held()

	service := NewService(ServiceConfig{
		Source:    &fakeSource{},
		Companies: newMemoryCompanies(),
		Journal:   newMemoryJournal(),
		Lock:      lock,
	})
	_, err = service.RunSync(context.Background(), companies.NamespaceCore)
	require.ErrorIs(t, err, ErrSyncInProgress)
}
