package tracker

import "ms-paytracker/internal/models"

type FailureReason string

const (
	ReasonRejected FailureReason = "rejected"
	ReasonTimeout  FailureReason = "timeout"
	ReasonNetwork  FailureReason = "network"
)

type SuccessEvent struct {
	TraceID  string
	Service  models.ServiceDetails
	Attempts int
}

type FailureEvent struct {
	TraceID string
	Reason  FailureReason
	// Err is a *RejectedPayment for ReasonRejected and a *TimeoutError otherwise.
	Err error
	// Status is the last known status when tracking ended.
	Status   models.PaymentStatus
	Attempts int
	// Session is the final snapshot with its transient fields already cleared.
	Session models.PaymentSession
}

// Listener receives tracking notifications. Calls for one handle arrive sequentially
// on the polling goroutine. No call starts once Cancel has returned.
type Listener interface {
	StatusChanged(session models.PaymentSession)
	Succeeded(evt SuccessEvent)
	Failed(evt FailureEvent)
	Closed(traceID string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnStatusChanged func(models.PaymentSession)
	OnSucceeded     func(SuccessEvent)
	OnFailed        func(FailureEvent)
	OnClosed        func(string)
}

func (f ListenerFuncs) StatusChanged(session models.PaymentSession) {
	if f.OnStatusChanged != nil {
		f.OnStatusChanged(session)
	}
}

func (f ListenerFuncs) Succeeded(evt SuccessEvent) {
	if f.OnSucceeded != nil {
		f.OnSucceeded(evt)
	}
}

func (f ListenerFuncs) Failed(evt FailureEvent) {
	if f.OnFailed != nil {
		f.OnFailed(evt)
	}
}

func (f ListenerFuncs) Closed(traceID string) {
	if f.OnClosed != nil {
		f.OnClosed(traceID)
	}
}
