package syncrun

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/remote"
)

type memoryCompanies struct {
	mu     sync.Mutex
	rows   map[int64]companies.Company
	nextID int64

	failCreateFor map[int64]error // keyed by external id
	failUpdateFor map[int64]error // keyed by company id
	failDeleteFor map[int64]error
}

func newMemoryCompanies() *memoryCompanies {
	return &memoryCompanies{
		rows:          make(map[int64]companies.Company),
		failCreateFor: make(map[int64]error),
		failUpdateFor: make(map[int64]error),
		failDeleteFor: make(map[int64]error),
	}
}

func (m *memoryCompanies) Snapshot(ctx context.Context) ([]companies.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]companies.Company, 0, len(m.rows))
	for _, c := range m.rows {
		out = append(out, c)
	}
	return out, nil
}

func (m *memoryCompanies) Get(ctx context.Context, id int64) (companies.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return companies.Company{}, companies.ErrNotFound
	}
	return c, nil
}

func (m *memoryCompanies) GetByExternal(ctx context.Context, ns companies.Namespace, externalID int64) (companies.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.Namespace == ns && c.ExternalID == externalID {
			return c, nil
		}
	}
	return companies.Company{}, companies.ErrNotFound
}

func (m *memoryCompanies) Create(ctx context.Context, company companies.Company) (companies.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failCreateFor[company.ExternalID]; ok {
		return companies.Company{}, err
	}
	m.nextID++
	company.ID = m.nextID
	company.CreatedAt = time.Now()
	company.UpdatedAt = company.CreatedAt
	m.rows[company.ID] = company
	return company, nil
}

func (m *memoryCompanies) UpdateFields(ctx context.Context, id int64, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failUpdateFor[id]; ok {
		return err
	}
	c, ok := m.rows[id]
	if !ok {
		return companies.ErrNotFound
	}
	for column, value := range fields {
		if !companies.Mutable(column) {
			return companies.ErrImmutableField
		}
		switch column {
		case "legal_name":
			c.LegalName = value.(string)
		case "display_name":
			c.DisplayName = value.(string)
		case "attributes":
			c.Attributes = toRaw(value)
		case "categories":
			c.Categories = toRaw(value)
		case "bank_accounts":
			c.BankAccounts = toRaw(value)
		case "last_synced_at":
			c.LastSyncedAt = value.(time.Time)
		}
	}
	c.UpdatedAt = time.Now()
	m.rows[id] = c
	return nil
}

func (m *memoryCompanies) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failDeleteFor[id]; ok {
		return err
	}
	if _, ok := m.rows[id]; !ok {
		return companies.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func toRaw(value any) json.RawMessage {
	switch v := value.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return v
	case string:
		return json.RawMessage(v)
	default:
		return nil
	}
}

type memoryJournal struct {
	mu      sync.Mutex
	batches map[uuid.UUID]Batch
	actions map[uuid.UUID][]ActionRecord
	nextID  int64

	failAppend error
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{
		batches: make(map[uuid.UUID]Batch),
		actions: make(map[uuid.UUID][]ActionRecord),
	}
}

func (j *memoryJournal) CreateBatch(ctx context.Context, batch Batch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.batches[batch.ID] = batch
	return nil
}

func (j *memoryJournal) FinishBatch(ctx context.Context, id uuid.UUID, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	b, ok := j.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.FinishedAt = at
	j.batches[id] = b
	return nil
}

func (j *memoryJournal) Append(ctx context.Context, record ActionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failAppend != nil {
		return j.failAppend
	}
	j.nextID++
	record.ID = j.nextID
	record.CreatedAt = time.Now()
	j.actions[record.BatchID] = append(j.actions[record.BatchID], record)
	return nil
}

func (j *memoryJournal) Actions(ctx context.Context, batchID uuid.UUID) ([]ActionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ActionRecord(nil), j.actions[batchID]...), nil
}

func (j *memoryJournal) Purge(ctx context.Context, batchID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.actions, batchID)
	return nil
}

func (j *memoryJournal) LatestBatch(ctx context.Context) (Batch, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var latest Batch
	found := false
	for _, b := range j.batches {
		if !found || b.StartedAt.After(latest.StartedAt) {
			latest = b
			found = true
		}
	}
	if !found {
		return Batch{}, ErrBatchNotFound
	}
	return latest, nil
}

func (j *memoryJournal) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Batch, 0, len(j.batches))
	for _, b := range j.batches {
		out = append(out, b)
	}
	return out, nil
}

type fakeSource struct {
	records []remote.Company
	err     error
}

func (s *fakeSource) FetchAllPages(ctx context.Context, ep remote.Endpoint, pageSize int, filters url.Values) ([]remote.Company, error) {
	out := make([]remote.Company, 0, len(s.records))
	for _, r := range s.records {
		if r.Namespace == ep.Namespace {
			out = append(out, r)
		}
	}
	return out, s.err
}

var errBoom = errors.New("boom")
