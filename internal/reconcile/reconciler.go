// Package reconcile classifies remote company records against a local
// snapshot: new records, changed records with the exact fields that changed,
// and local rows suspected to be cross-namespace duplicates.
package reconcile

import (
	"bytes"
	"encoding/json"
	"time"

	"golang.org/x/text/cases"

	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/remote"
)

// Update describes one local row to be changed, carrying only the allow-listed
// columns whose values differ from the remote record.
type Update struct {
	CompanyID  int64
	Namespace  companies.Namespace
	ExternalID int64
	Changes    map[string]any
}

// DuplicateCandidate is a local row whose provenance is exclusively the CRM
// API. CRM ids are not mergeable with CORE ids, so these are surfaced for
// confirmation, never deleted automatically: a genuinely CRM-only prospect
// with no invoices looks exactly the same.
type DuplicateCandidate struct {
	CompanyID  int64  `json:"company_id"`
	ExternalID int64  `json:"external_id"`
	LegalName  string `json:"legal_name"`
	// CoreCompanyID points at the CORE-sourced row with the same folded legal
	// name, when one exists. Zero means no name match was found.
	CoreCompanyID int64 `json:"core_company_id,omitempty"`
}

// Result partitions a remote record set. Every remote record lands in exactly
// one of ToInsert, ToUpdate or the Unchanged count.
type Result struct {
	ToInsert   []remote.Company
	ToUpdate   []Update
	Duplicates []DuplicateCandidate
	Unchanged  int
}

type snapshotKey struct {
	ns         companies.Namespace
	externalID int64
}

// Classify matches remote records against the local snapshot. The snapshot is
// assumed stable for the duration of the call; running two classifications
// over concurrently mutating rows is not supported.
func Classify(remoteRecords []remote.Company, snapshot []companies.Company, now time.Time) Result {
	index := make(map[snapshotKey]companies.Company, len(snapshot))
	for _, local := range snapshot {
		index[snapshotKey{local.Namespace, local.ExternalID}] = local
	}

	var result Result
	for _, record := range remoteRecords {
		local, ok := index[snapshotKey{record.Namespace, record.ExternalID}]
		if !ok {
			result.ToInsert = append(result.ToInsert, record)
			continue
		}
		changes := diff(local, record)
		if len(changes) == 0 {
			result.Unchanged++
			continue
		}
		changes["last_synced_at"] = now
		result.ToUpdate = append(result.ToUpdate, Update{
			CompanyID:  local.ID,
			Namespace:  record.Namespace,
			ExternalID: record.ExternalID,
			Changes:    changes,
		})
	}

	result.Duplicates = findDuplicates(snapshot)
	return result
}

// diff compares the allow-listed mutable fields one by one and returns the
// columns whose remote value differs.
func diff(local companies.Company, record remote.Company) map[string]any {
	changes := make(map[string]any)
	if local.LegalName != record.LegalName {
		changes["legal_name"] = record.LegalName
	}
	if local.DisplayName != record.DisplayName {
		changes["display_name"] = record.DisplayName
	}
	if !blobEqual(local.Attributes, record.Attributes, "{}") {
		changes["attributes"] = record.Attributes
	}
	if !blobEqual(local.Categories, record.Categories, "[]") {
		changes["categories"] = record.Categories
	}
	if !blobEqual(local.BankAccounts, record.BankAccounts, "[]") {
		changes["bank_accounts"] = record.BankAccounts
	}
	return changes
}

// findDuplicates flags CRM-only rows and, where possible, names the CORE row
// they probably duplicate via a case-folded legal-name match.
func findDuplicates(snapshot []companies.Company) []DuplicateCandidate {
	folder := cases.Fold()
	coreByName := make(map[string]int64)
	for _, local := range snapshot {
		if local.Namespace == companies.NamespaceCore {
			coreByName[folder.String(local.LegalName)] = local.ID
		}
	}

	var candidates []DuplicateCandidate
	for _, local := range snapshot {
		if !local.CRMOnly() {
			continue
		}
		candidates = append(candidates, DuplicateCandidate{
			CompanyID:     local.ID,
			ExternalID:    local.ExternalID,
			LegalName:     local.LegalName,
			CoreCompanyID: coreByName[folder.String(local.LegalName)],
		})
	}
	return candidates
}

// blobEqual compares two JSON blobs ignoring formatting differences. Nil,
// JSON null and the column's empty value (the executor stores `{}`/`[]` for
// absent remote blobs) all compare equal, so a defaulted insert is not
// re-flagged on the next run.
func blobEqual(a, b json.RawMessage, empty string) bool {
	return bytes.Equal(compactBlob(a, empty), compactBlob(b, empty))
}

func compactBlob(raw json.RawMessage, empty string) []byte {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	out := buf.Bytes()
	if string(out) == empty {
		return nil
	}
	return out
}
