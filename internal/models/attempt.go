package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Outcome values stored for a finished payment attempt.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeNetwork   = "network"
)

// PaymentAttempt is the history row written once tracking of a payment ends.
type PaymentAttempt struct {
	bun.BaseModel `bun:"table:payment_attempts"`

	TraceID    string        `bun:"trace_id,pk" json:"traceId"`
	UserID     string        `bun:"user_id,nullzero" json:"userId,omitempty"`
	CardID     string        `bun:"card_id,notnull" json:"cardId"`
	ServiceID  int           `bun:"service_id" json:"serviceId"`
	Proveedor  string        `bun:"proveedor" json:"proveedor"`
	Servicio   string        `bun:"servicio" json:"servicio"`
	Plan       string        `bun:"plan" json:"plan"`
	Amount     float64       `bun:"amount" json:"amount"`
	Status     PaymentStatus `bun:"status,notnull" json:"status"`
	Outcome    string        `bun:"outcome,notnull" json:"outcome"`
	Error      string        `bun:"error,nullzero" json:"error,omitempty"`
	Polls      int           `bun:"polls" json:"polls"`
	StartedAt  time.Time     `bun:"started_at,notnull" json:"startedAt"`
	FinishedAt time.Time     `bun:"finished_at,notnull" json:"finishedAt"`
}

// TrackingEvent types streamed to subscribers and published to the broker.
const (
	EventStatusChanged = "status_changed"
	EventSucceeded     = "succeeded"
	EventFailed        = "failed"
	EventClosed        = "closed"
	EventCancelled     = "cancelled"
)

// TrackingEvent is one observable step of a tracked payment.
type TrackingEvent struct {
	Type      string          `json:"type"`
	TraceID   string          `json:"traceId"`
	Session   *PaymentSession `json:"session,omitempty"`
	Service   *ServiceDetails `json:"service,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PaymentOutcome is the terminal result published to other services.
type PaymentOutcome struct {
	TraceID   string         `json:"traceId"`
	UserID    string         `json:"userId,omitempty"`
	CardID    string         `json:"cardId"`
	Service   ServiceDetails `json:"service"`
	Outcome   string         `json:"outcome"`
	Status    PaymentStatus  `json:"status"`
	Error     string         `json:"error,omitempty"`
	Warning   string         `json:"warning,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
