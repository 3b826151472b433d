package relay

import (
	"fmt"

	"taskrelay/internal/models"
)

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ConflictError reports a duplicate submission. Existing is nil when another
// request currently holds the claim for the same sid.
type ConflictError struct {
	SourceID string
	Existing *models.SubmissionRecord
	InFlight bool
}

func (e *ConflictError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("submission %s in progress", e.SourceID)
	}
	return fmt.Sprintf("submission %s already finalized", e.SourceID)
}

// UpstreamDeliveryError carries the webhook's answer (or the transport error
// when there was no answer). No record is written, so the sid stays retryable.
type UpstreamDeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamDeliveryError) Error() string {
	if e.Err != nil {
		return "push failed: " + e.Err.Error()
	}
	return fmt.Sprintf("push failed: upstream status %d", e.StatusCode)
}

func (e *UpstreamDeliveryError) Unwrap() error { return e.Err }

// StoreError wraps a key-value backend failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }
