package timetable

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine closed")
	// ErrItemNotFound is returned for enrichment requests that reference a
	// fingerprint not present in the cached payload.
	ErrItemNotFound = errors.New("item not found in cached payload")
	// ErrEnrichmentInProgress is returned when an item's enrichment was
	// already requested or already delivered.
	ErrEnrichmentInProgress = errors.New("enrichment already requested for item")
	// ErrNoContinuation is returned by extend requests when the cached
	// payload's boundary item carries no continuation token.
	ErrNoContinuation = errors.New("no continuation token for direction")
)

// MalformedRequestError rejects a query before any fetch is attempted.
type MalformedRequestError struct {
	Msg string
}

func (e *MalformedRequestError) Error() string { return e.Msg }

func malformed(format string, args ...any) error {
	return &MalformedRequestError{Msg: fmt.Sprintf(format, args...)}
}

// ProviderNotReadyError reports that a provider handle exists but cannot
// serve fetches. Message carries the cached validation failure, if any.
type ProviderNotReadyError struct {
	ProviderID string
	State      HandleState
	Message    string
}

func (e *ProviderNotReadyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s not ready (%s): %s", e.ProviderID, e.State, e.Message)
	}
	return fmt.Sprintf("provider %s not ready (%s)", e.ProviderID, e.State)
}

// UpstreamFetchError wraps a failed provider fetch. It is delivered to every
// subscriber attached to the in-flight key and is never cached.
type UpstreamFetchError struct {
	ProviderID string
	Cause      error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("fetch from provider %s failed: %v", e.ProviderID, e.Cause)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Cause }

// EnrichmentError is scoped to a single item and never escalates to an
// entry-level failure.
type EnrichmentError struct {
	Cause error
}

func (e *EnrichmentError) Error() string { return fmt.Sprintf("enrichment failed: %v", e.Cause) }

func (e *EnrichmentError) Unwrap() error { return e.Cause }

// UpdateRejectedError is returned by forced refreshes that arrive before the
// manual-refresh minimum wait has elapsed.
type UpdateRejectedError struct {
	NextAllowed time.Time
}

func (e *UpdateRejectedError) Error() string {
	return fmt.Sprintf("update rejected, next allowed at %s", e.NextAllowed.Format(time.RFC3339))
}
