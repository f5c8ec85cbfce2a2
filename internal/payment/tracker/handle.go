package tracker

import (
	"context"
	"sync"

	"ms-paytracker/internal/models"
)

// Handle controls one running tracking session.
type Handle struct {
	traceID  string
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	session     models.PaymentSession
	attempts    int
	cancelled   bool
	dispatching bool

	// dispatchMu is held from the cancellation check until the listener call returns.
	dispatchMu sync.Mutex
}

func (h *Handle) TraceID() string {
	return h.traceID
}

// Session returns a snapshot of the tracked session.
func (h *Handle) Session() models.PaymentSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Cancel stops tracking. Once it returns no listener call starts: a dispatch that has not
// yet passed its cancellation check is waited for and then suppressed. A call already
// running is not interrupted. Cancel does not wait for the polling goroutine; use Wait.
// Safe to call more than once and from inside a listener callback.
func (h *Handle) Cancel() {
	h.mu.Lock()
	first := !h.cancelled
	h.cancelled = true
	running := h.dispatching
	h.mu.Unlock()

	if first {
		h.cancel()
	}
	// From inside a callback the dispatch lock is held by our own goroutine.
	if !running {
		h.dispatchMu.Lock()
		h.dispatchMu.Unlock()
	}
}

// Done is closed when the polling goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Wait() {
	<-h.done
}

func (h *Handle) nextAttempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	return h.attempts
}

// emit dispatches one notification unless the handle was cancelled.
// It reports whether the notification was delivered.
func (h *Handle) emit(fn func(Listener)) bool {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if h.cancelled || h.ctx.Err() != nil {
		h.mu.Unlock()
		return false
	}
	h.dispatching = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.dispatching = false
		h.mu.Unlock()
	}()
	fn(h.listener)
	return true
}
