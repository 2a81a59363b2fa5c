package remote

import (
	"encoding/json"

	"github.com/meridian-erp/corebridge/internal/companies"
)

// Company is a company record as returned by the remote API. The namespace is
// not part of the wire payload; it is derived from which endpoint family
// produced the record and tagged on decode.
type Company struct {
	ExternalID   int64           `json:"id" validate:"required,gt=0"`
	LegalName    string          `json:"name" validate:"required"`
	DisplayName  string          `json:"short_name"`
	Attributes   json.RawMessage `json:"attributes"`
	Categories   json.RawMessage `json:"categories"`
	BankAccounts json.RawMessage `json:"bank_accounts"`

	Namespace companies.Namespace `json:"-"`
}

// PaginationStyle selects how a collection endpoint pages its results.
type PaginationStyle int

const (
	// PageStyle endpoints take page/per_page parameters and report
	// current_page and last_page in the envelope.
	PageStyle PaginationStyle = iota
	// OffsetStyle endpoints take limit/offset parameters and report no page
	// bookkeeping; a short page ends the sequence.
	OffsetStyle
)

// Endpoint describes one remote collection surface.
type Endpoint struct {
	Namespace companies.Namespace
	Path      string
	Style     PaginationStyle
}

// CollectionEndpoint returns the company collection endpoint for a namespace.
func CollectionEndpoint(ns companies.Namespace) Endpoint {
	if ns == companies.NamespaceCRM {
		return Endpoint{Namespace: companies.NamespaceCRM, Path: "/api/v1/crm/companies", Style: OffsetStyle}
	}
	return Endpoint{Namespace: companies.NamespaceCore, Path: "/api/v1/companies", Style: PageStyle}
}

// recordPath returns the single-record path for a namespace.
func recordPath(ns companies.Namespace, externalID int64) string {
	base := CollectionEndpoint(ns).Path
	return base + "/" + formatID(externalID)
}

type listEnvelope struct {
	Result struct {
		Data        []Company `json:"data"`
		CurrentPage int       `json:"current_page"`
		LastPage    int       `json:"last_page"`
	} `json:"result"`
}

type recordEnvelope struct {
	Result Company `json:"result"`
}
