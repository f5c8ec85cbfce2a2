package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"
)

// PaymentClient is the asynchronous payment backend.
type PaymentClient interface {
	InitiatePayment(ctx context.Context, cardID string, service models.ServiceDetails) (traceID string, err error)
	GetPaymentStatus(ctx context.Context, traceID string) (models.StatusReport, error)
}

// Config is one polling profile.
type Config struct {
	// Interval between status queries.
	Interval time.Duration
	// MaxAttempts bounds the number of status queries. Zero means unbounded.
	MaxAttempts int
	// GracePeriod is the delay between Succeeded and Closed.
	GracePeriod time.Duration
	// QueryTimeout bounds a single status query. Zero means no per-query timeout.
	QueryTimeout time.Duration
}

// ConfirmationConfig is the post-payment confirmation profile: 2s polls, 20 attempts, 3s grace.
func ConfirmationConfig() Config {
	return Config{Interval: 2 * time.Second, MaxAttempts: 20, GracePeriod: 3 * time.Second}
}

// PassiveConfig is the passive tracking profile: 3s polls, unbounded, stopped by the caller.
func PassiveConfig() Config {
	return Config{Interval: 3 * time.Second}
}

func (c Config) String() string {
	attempts := "unbounded"
	if c.MaxAttempts > 0 {
		attempts = fmt.Sprintf("%d attempts", c.MaxAttempts)
	}
	return fmt.Sprintf("every %s, %s, %s grace", c.Interval, attempts, c.GracePeriod)
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", ErrInvalidConfig)
	}
	if c.GracePeriod < 0 || c.QueryTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Tracker initiates payments and polls their status with one Config.
// A Tracker holds no per-payment state and is safe for concurrent use.
type Tracker struct {
	client PaymentClient
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

func New(client PaymentClient, cfg Config, log *logger.Logger) (*Tracker, error) {
	if client == nil {
		return nil, errors.New("payment client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Tracker{client: client, cfg: cfg, log: log, now: time.Now}, nil
}

// Config returns the profile the tracker polls with.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Initiate validates the card id and asks the backend to start a payment.
// A malformed card id fails with *ValidationError without calling the backend;
// a backend failure yields *InitiationError. On success the session is INITIAL.
func (t *Tracker) Initiate(ctx context.Context, cardID string, service models.ServiceDetails) (*models.PaymentSession, error) {
	cardID = strings.TrimSpace(cardID)
	if !ValidCardID(cardID) {
		t.log.Warn("PAYMENT", fmt.Sprintf("Rejected malformed card id %q", cardID))
		return nil, &ValidationError{Field: "cardId", Value: cardID}
	}

	traceID, err := t.client.InitiatePayment(ctx, cardID, service)
	if err != nil {
		t.log.Error("PAYMENT", fmt.Sprintf("Payment initiation failed for service %d: %v", service.ID, err))
		return nil, &InitiationError{StatusCode: statusCodeOf(err), Err: err}
	}
	if traceID == "" {
		t.log.Error("PAYMENT", "Payment backend accepted the request without a trace id")
		return nil, &InitiationError{Err: errEmptyTraceID}
	}

	t.log.LogPayment("INITIATE", traceID, fmt.Sprintf("%s %s (%.0f)", service.Proveedor, service.Plan, service.PrecioMensual.Float64()))

	return &models.PaymentSession{
		TraceID:     traceID,
		CardID:      cardID,
		Service:     service,
		Status:      models.StatusInitial,
		Message:     models.StatusMessage(models.StatusInitial),
		LastUpdated: t.now(),
	}, nil
}

// Track starts polling the session's trace on its own goroutine and returns the handle
// that stops it. The tracker takes a private copy of session; later changes by the caller
// are not observed. Cancelling ctx has the same effect as Handle.Cancel.
func (t *Tracker) Track(ctx context.Context, session *models.PaymentSession, listener Listener) (*Handle, error) {
	if session == nil || session.TraceID == "" {
		return nil, ErrNoSession
	}
	if session.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		traceID:  session.TraceID,
		session:  *session,
		listener: listener,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if !h.session.Status.IsKnown() {
		h.session.Status = models.StatusInitial
	}

	t.log.LogPayment("TRACK", h.traceID, fmt.Sprintf("polling %s", t.cfg))

	go t.run(h)
	return h, nil
}

func (t *Tracker) run(h *Handle) {
	defer close(h.done)
	defer h.cancel()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			t.log.LogPayment("CANCEL", h.traceID, "tracking stopped")
			return
		case <-ticker.C:
		}

		attempt := h.nextAttempt()
		report, err := t.query(h, attempt)

		// Ticks that fired while the query was outstanding are skipped.
		select {
		case <-ticker.C:
		default:
		}

		// A result that lands after cancellation is discarded.
		if h.ctx.Err() != nil {
			t.log.LogPayment("CANCEL", h.traceID, "tracking stopped, discarding in-flight result")
			return
		}

		if err != nil {
			perr := &TransientPollError{TraceID: h.traceID, Attempt: attempt, Err: err}
			t.log.Warn("TRACKER", perr.Error())
			if t.boundReached(attempt) {
				t.finishFailure(h, ReasonNetwork, &TimeoutError{TraceID: h.traceID, Attempts: attempt, LastErr: err})
				return
			}
			continue
		}

		if t.apply(h, report, attempt) {
			return
		}

		if t.boundReached(attempt) {
			t.finishFailure(h, ReasonTimeout, &TimeoutError{TraceID: h.traceID, Attempts: attempt})
			return
		}
	}
}

func (t *Tracker) query(h *Handle, attempt int) (models.StatusReport, error) {
	ctx := h.ctx
	if t.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.QueryTimeout)
		defer cancel()
	}
	t.log.LogTracker(h.traceID, attempt, "querying status")
	return t.client.GetPaymentStatus(ctx, h.traceID)
}

func (t *Tracker) boundReached(attempt int) bool {
	return t.cfg.MaxAttempts > 0 && attempt >= t.cfg.MaxAttempts
}

// apply runs the transition rule for one status report and reports whether tracking ended.
func (t *Tracker) apply(h *Handle, report models.StatusReport, attempt int) bool {
	next := report.Status

	h.mu.Lock()
	current := h.session.Status
	h.session.LastUpdated = t.now()
	h.mu.Unlock()

	switch {
	case !next.IsKnown():
		t.log.Warn("TRACKER", fmt.Sprintf("[%s] attempt %d returned unrecognised status %q, treating as pending", h.traceID, attempt, report.Raw))
		return false
	case next == current:
		t.log.LogTracker(h.traceID, attempt, fmt.Sprintf("still %s", current))
		return false
	case next.Rank() < current.Rank():
		t.log.Warn("TRACKER", fmt.Sprintf("[%s] ignoring regression %s -> %s", h.traceID, current, next))
		return false
	}

	h.mu.Lock()
	h.session.Status = next
	h.session.Message = models.StatusMessage(next)
	if next == models.StatusFailed {
		h.session.Error = report.Error
	}
	snapshot := h.session
	h.mu.Unlock()

	t.log.LogPayment("STATUS", h.traceID, fmt.Sprintf("%s -> %s", current, next))
	h.emit(func(l Listener) { l.StatusChanged(snapshot) })

	switch next {
	case models.StatusFinish:
		t.finishSuccess(h)
		return true
	case models.StatusFailed:
		t.finishFailure(h, ReasonRejected, &RejectedPayment{TraceID: h.traceID, Reason: report.Error})
		return true
	}
	return false
}

func (t *Tracker) finishSuccess(h *Handle) {
	h.mu.Lock()
	evt := SuccessEvent{TraceID: h.traceID, Service: h.session.Service, Attempts: h.attempts}
	h.mu.Unlock()

	t.log.LogPayment("SUCCESS", h.traceID, fmt.Sprintf("completed after %d status queries", evt.Attempts))
	if !h.emit(func(l Listener) { l.Succeeded(evt) }) {
		return
	}

	if t.cfg.GracePeriod > 0 {
		timer := time.NewTimer(t.cfg.GracePeriod)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	h.emit(func(l Listener) { l.Closed(h.traceID) })
}

// finishFailure clears the transient session fields so the same service can be paid
// again from scratch, then reports the failure. No close signal follows a failure.
func (t *Tracker) finishFailure(h *Handle, reason FailureReason, err error) {
	h.mu.Lock()
	h.session.TraceID = ""
	h.session.Message = ""
	evt := FailureEvent{
		TraceID:  h.traceID,
		Reason:   reason,
		Status:   h.session.Status,
		Err:      err,
		Attempts: h.attempts,
		Session:  h.session,
	}
	h.mu.Unlock()

	t.log.Warn("PAYMENT", fmt.Sprintf("[%s] %s - %v", reason, h.traceID, err))
	h.emit(func(l Listener) { l.Failed(evt) })
}

// statusCodeOf extracts an upstream HTTP status from client errors that carry one.
func statusCodeOf(err error) int {
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
