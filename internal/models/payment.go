package models

import (
	"strings"
	"time"
)

// PaymentStatus is the lifecycle state reported by the payment backend.
// Values outside the four known states decode to StatusUnknown.
type PaymentStatus string

const (
	StatusInitial    PaymentStatus = "INITIAL"
	StatusInProgress PaymentStatus = "IN_PROGRESS"
	StatusFinish     PaymentStatus = "FINISH"
	StatusFailed     PaymentStatus = "FAILED"
	StatusUnknown    PaymentStatus = "UNKNOWN"
)

// ParseStatus maps a wire value onto the closed set of statuses.
func ParseStatus(raw string) PaymentStatus {
	switch PaymentStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusInitial:
		return StatusInitial
	case StatusInProgress:
		return StatusInProgress
	case StatusFinish:
		return StatusFinish
	case StatusFailed:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

func (s PaymentStatus) String() string {
	return string(s)
}

// IsKnown reports whether s is one of the four lifecycle states.
func (s PaymentStatus) IsKnown() bool {
	return s.Rank() >= 0
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusFinish || s == StatusFailed
}

// Rank orders statuses by lifecycle position. FINISH and FAILED share the last rank.
// Unknown statuses rank -1.
func (s PaymentStatus) Rank() int {
	switch s {
	case StatusInitial:
		return 0
	case StatusInProgress:
		return 1
	case StatusFinish, StatusFailed:
		return 2
	default:
		return -1
	}
}

// StatusMessage is the user-facing text shown while a payment is in the given state.
func StatusMessage(s PaymentStatus) string {
	switch s {
	case StatusInitial:
		return "Starting payment process..."
	case StatusInProgress:
		return "Processing your payment..."
	case StatusFinish:
		return "Payment completed successfully"
	case StatusFailed:
		return "The payment has failed"
	default:
		return "Checking status..."
	}
}

// PaymentSession tracks one in-flight payment from initiation to its terminal outcome.
type PaymentSession struct {
	TraceID     string         `json:"traceId"`
	CardID      string         `json:"cardId"`
	Service     ServiceDetails `json:"service"`
	Status      PaymentStatus  `json:"status"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// PaymentRequest is the body sent to the payment backend to initiate a payment.
type PaymentRequest struct {
	CardID  string         `json:"cardId"`
	Service ServiceDetails `json:"service"`
}

// PaymentResponse is the backend answer to a successful initiation.
type PaymentResponse struct {
	TraceID string `json:"traceId"`
}

// PaymentStatusResponse is the raw status document returned by the backend.
type PaymentStatusResponse struct {
	UserID    string         `json:"userId,omitempty"`
	CardID    string         `json:"cardId,omitempty"`
	Service   ServiceDetails `json:"service"`
	TraceID   string         `json:"traceId"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// StatusReport is a decoded status query result.
type StatusReport struct {
	Status PaymentStatus
	Raw    string
	Error  string
}

// Report converts the wire document into a StatusReport.
func (r PaymentStatusResponse) Report() StatusReport {
	return StatusReport{
		Status: ParseStatus(r.Status),
		Raw:    r.Status,
		Error:  r.Error,
	}
}
