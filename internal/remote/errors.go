package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the record exists under neither API surface.
	ErrNotFound = errors.New("remote: not found")
	// ErrRateLimitExceeded indicates 429 retries were exhausted for a request.
	ErrRateLimitExceeded = errors.New("remote: rate limit retries exhausted")
	// ErrTimeout indicates a request timed out after its single retry.
	ErrTimeout = errors.New("remote: request timed out")
)

// FetchError reports a terminal, non-retried fetch failure. Page is zero for
// single-record requests.
type FetchError struct {
	Page   int
	Status int
	Cause  error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote: fetch page %d failed with status %d", e.Page, e.Status)
	}
	return fmt.Sprintf("remote: fetch page %d failed: %v", e.Page, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// FetchFailure is the run-summary record of a failed per-record fetch. It is
// not persisted beyond the run.
type FetchFailure struct {
	ExternalID int64  `json:"external_id"`
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`
}
