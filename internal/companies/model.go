package companies

import (
	"encoding/json"
	"time"
)

// Namespace identifies the external system that issued a company identifier.
// Identifiers are only unique within their namespace; the same logical company
// may appear once per namespace before reconciliation.
type Namespace string

const (
	// NamespaceCore is the authority used by financial documents.
	NamespaceCore Namespace = "CORE"
	// NamespaceCRM is a separate numbering space, never financial truth.
	NamespaceCRM Namespace = "CRM"
)

// Valid reports whether ns is a known namespace.
func (ns Namespace) Valid() bool {
	return ns == NamespaceCore || ns == NamespaceCRM
}

// Provenance tags recorded on a company row.
const (
	ProvenanceCoreAPI = "core-api"
	ProvenanceCRMAPI  = "crm-api"
	ProvenanceInvoice = "invoice-derived"
)

// Company represents the canonical local company entity.
type Company struct {
	ID           int64           `json:"id"`
	Namespace    Namespace       `json:"namespace"`
	ExternalID   int64           `json:"external_id"`
	LegalName    string          `json:"legal_name"`
	DisplayName  string          `json:"display_name"`
	Attributes   json.RawMessage `json:"attributes"`
	Categories   json.RawMessage `json:"categories"`
	BankAccounts json.RawMessage `json:"bank_accounts"`
	Provenance   []string        `json:"provenance"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CRMOnly reports whether the row's entire provenance set is the CRM API,
// never corroborated by an invoice or a CORE-sourced record. Such rows are
// duplicate candidates during reconciliation.
func (c Company) CRMOnly() bool {
	if len(c.Provenance) == 0 {
		return false
	}
	for _, tag := range c.Provenance {
		if tag != ProvenanceCRMAPI {
			return false
		}
	}
	return true
}

// HasProvenance reports whether tag is present in the provenance set.
func (c Company) HasProvenance(tag string) bool {
	for _, t := range c.Provenance {
		if t == tag {
			return true
		}
	}
	return false
}

// MutableFields enumerates the columns a sync is permitted to change. Updates
// and rollback before-images never touch anything outside this list.
var MutableFields = []string{
	"legal_name",
	"display_name",
	"attributes",
	"categories",
	"bank_accounts",
	"last_synced_at",
}

// Mutable reports whether column is on the sync allow-list.
func Mutable(column string) bool {
	for _, f := range MutableFields {
		if f == column {
			return true
		}
	}
	return false
}

// FieldValue returns the current value of an allow-listed column, used when
// capturing before-images. The second return is false for unknown columns.
func (c Company) FieldValue(column string) (any, bool) {
	switch column {
	case "legal_name":
		return c.LegalName, true
	case "display_name":
		return c.DisplayName, true
	case "attributes":
		return c.Attributes, true
	case "categories":
		return c.Categories, true
	case "bank_accounts":
		return c.BankAccounts, true
	case "last_synced_at":
		return c.LastSyncedAt, true
	default:
		return nil, false
	}
}
