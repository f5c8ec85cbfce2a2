package tracker

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig   = errors.New("invalid tracker config")
	ErrNoSession       = errors.New("payment session has no trace id")
	ErrAlreadyTerminal = errors.New("payment session already finished")
	errEmptyTraceID    = errors.New("payment backend returned an empty trace id")
)

// ValidationError reports malformed input caught before any network call.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: must be a UUID (8-4-4-4-12 hex)", e.Field, e.Value)
}

// InitiationError reports a failed initiation call. No session exists afterwards.
type InitiationError struct {
	// StatusCode is the upstream HTTP status, 0 when the backend was unreachable.
	StatusCode int
	Err        error
}

func (e *InitiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment initiation failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment initiation failed: %v", e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// UserMessage returns a title and explanation suitable for showing to the payer.
func (e *InitiationError) UserMessage() (title, message string) {
	var um interface{ UpstreamMessage() string }
	upstream := ""
	if errors.As(e.Err, &um) {
		upstream = um.UpstreamMessage()
	}

	switch {
	case e.StatusCode == 502:
		return "Service temporarily unavailable", "The payment server is having problems. Please try again in a few moments."
	case e.StatusCode == 400:
		if upstream == "" {
			upstream = "Check that the card id is correct."
		}
		return "Invalid payment data", upstream
	case e.StatusCode == 401 || e.StatusCode == 403:
		return "Not authorized", "You are not allowed to make this payment. Please sign in again."
	case e.StatusCode == 404:
		return "Service not found", "The selected service is not available."
	case e.StatusCode == 0:
		return "Connection error", "Could not reach the payment server. Check your connection."
	case upstream != "":
		return "Payment could not be processed", upstream
	default:
		return "Payment could not be processed", "Please try again."
	}
}

// TransientPollError is one failed status query. Polling continues unless the attempt
// bound has been reached.
type TransientPollError struct {
	TraceID string
	Attempt int
	Err     error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("status query %d for %s failed: %v", e.Attempt, e.TraceID, e.Err)
}

func (e *TransientPollError) Unwrap() error { return e.Err }

// RejectedPayment is an explicit FAILED status from the backend.
type RejectedPayment struct {
	TraceID string
	Reason  string
}

func (e *RejectedPayment) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("payment %s was rejected", e.TraceID)
	}
	return fmt.Sprintf("payment %s was rejected: %s", e.TraceID, e.Reason)
}

// TimeoutError means the attempt bound ran out before a terminal status was seen.
// The payment outcome is unknown; the backend may still complete it.
type TimeoutError struct {
	TraceID  string
	Attempts int
	// LastErr is set when the final attempt itself failed.
	LastErr error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("payment %s unresolved after %d status queries: %v", e.TraceID, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("payment %s unresolved after %d status queries", e.TraceID, e.Attempts)
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// DuplicateChargeWarning is shown to users retrying after a timeout.
const DuplicateChargeWarning = "The payment outcome is unknown. Retrying may charge the card twice if the first payment completes."
