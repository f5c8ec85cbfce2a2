package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-paytracker/internal/auth"
	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"
	"ms-paytracker/internal/payment/cache"
	"ms-paytracker/internal/payment/tracker"
)

var (
	ErrNotTracked          = errors.New("payment is not being tracked")
	ErrAlreadyTracked      = errors.New("payment is already being tracked")
	ErrSessionNotFound     = errors.New("payment session not found")
	ErrHistoryUnavailable  = errors.New("payment history is not configured")
	ErrServiceShuttingDown = errors.New("payment service is shutting down")
)

// SessionCache stores the latest snapshot of each payment.
type SessionCache interface {
	Save(ctx context.Context, traceID string, session models.PaymentSession) error
	Get(ctx context.Context, traceID string) (*models.PaymentSession, error)
	Delete(ctx context.Context, traceID string) error
}

// AttemptStore records finished payments.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	ListByCard(ctx context.Context, cardID string, limit int) ([]models.PaymentAttempt, error)
}

// OutcomePublisher announces terminal outcomes to other services.
type OutcomePublisher interface {
	PublishPaymentSucceeded(ctx context.Context, outcome models.PaymentOutcome) error
	PublishPaymentFailed(ctx context.Context, outcome models.PaymentOutcome) error
}

// LeaseStore keeps replicas from tracking the same trace.
type LeaseStore interface {
	Acquire(ctx context.Context, traceID string) (bool, error)
	Release(ctx context.Context, traceID string) error
}

// EventSink receives every tracking event, e.g. for live streaming.
type EventSink interface {
	Emit(evt models.TrackingEvent)
}

// Deps wires the service. Store, Publisher, Leases and Events are optional.
type Deps struct {
	Confirm   *tracker.Tracker
	Passive   *tracker.Tracker
	Cache     SessionCache
	Store     AttemptStore
	Publisher OutcomePublisher
	Events    EventSink
	Leases    LeaseStore
	Log       *logger.Logger
	// SideEffectTimeout bounds each cache, store and broker write made from a callback.
	SideEffectTimeout time.Duration
}

// Service runs payments end to end: it initiates them, keeps one tracker handle per
// trace, and fans tracker events out to the cache, the event stream, the attempt
// history and the broker. Failures of those side effects are logged and never reach
// the tracker.
type Service struct {
	confirm   *tracker.Tracker
	passive   *tracker.Tracker
	cache     SessionCache
	store     AttemptStore
	publisher OutcomePublisher
	events    EventSink
	leases    LeaseStore
	log       *logger.Logger
	sideTO    time.Duration
	now       func() time.Time

	root   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	active map[string]*trackedPayment
	closed bool
}

type trackedPayment struct {
	handle    *tracker.Handle
	userID    string
	cardID    string
	service   models.ServiceDetails
	startedAt time.Time
}

func NewService(d Deps) (*Service, error) {
	if d.Confirm == nil || d.Passive == nil {
		return nil, errors.New("both confirmation and passive trackers are required")
	}
	if d.Cache == nil {
		return nil, errors.New("session cache is required")
	}
	if d.Log == nil {
		d.Log = logger.NewDiscard()
	}
	if d.SideEffectTimeout <= 0 {
		d.SideEffectTimeout = 5 * time.Second
	}

	root, stop := context.WithCancel(context.Background())
	return &Service{
		confirm:   d.Confirm,
		passive:   d.Passive,
		cache:     d.Cache,
		store:     d.Store,
		publisher: d.Publisher,
		events:    d.Events,
		leases:    d.Leases,
		log:       d.Log,
		sideTO:    d.SideEffectTimeout,
		now:       time.Now,
		root:      root,
		stop:      stop,
		active:    make(map[string]*trackedPayment),
	}, nil
}

// StartPayment initiates a payment and tracks it with the confirmation profile.
func (s *Service) StartPayment(ctx context.Context, cardID string, service models.ServiceDetails) (*models.PaymentSession, error) {
	if s.isClosed() {
		return nil, ErrServiceShuttingDown
	}

	session, err := s.confirm.Initiate(ctx, cardID, service)
	if err != nil {
		return nil, err
	}

	s.saveSnapshot(session.TraceID, *session)
	if err := s.track(ctx, s.confirm, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Watch starts passive tracking of a trace created elsewhere. The last cached snapshot is
// resumed when there is one; a snapshot already in a terminal state is returned as is.
func (s *Service) Watch(ctx context.Context, traceID string) (*models.PaymentSession, error) {
	if traceID == "" {
		return nil, tracker.ErrNoSession
	}
	if s.isClosed() {
		return nil, ErrServiceShuttingDown
	}
	if s.isTracked(traceID) {
		return nil, ErrAlreadyTracked
	}

	session, err := s.cache.Get(ctx, traceID)
	if errors.Is(err, cache.ErrSessionNotFound) {
		session = &models.PaymentSession{
			Status:      models.StatusInitial,
			Message:     models.StatusMessage(models.StatusInitial),
			LastUpdated: s.now(),
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.Status.IsTerminal() {
		return session, nil
	}
	session.TraceID = traceID

	if err := s.track(ctx, s.passive, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) track(ctx context.Context, tr *tracker.Tracker, session *models.PaymentSession) error {
	info := &trackedPayment{
		userID:    auth.UserID(ctx),
		cardID:    session.CardID,
		service:   session.Service,
		startedAt: s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceShuttingDown
	}
	if _, ok := s.active[session.TraceID]; ok {
		s.mu.Unlock()
		return ErrAlreadyTracked
	}
	s.active[session.TraceID] = info
	s.mu.Unlock()

	if !s.acquireLease(session.TraceID) {
		s.unregister(session.TraceID, info)
		return ErrAlreadyTracked
	}

	// Polling outlives the request; it keeps the caller's identity but not its deadline.
	trackCtx := auth.WithUserID(s.root, info.userID)
	if tok := auth.Token(ctx); tok != "" {
		trackCtx = auth.WithToken(trackCtx, tok)
	}

	handle, err := tr.Track(trackCtx, session, s.listenerFor(session.TraceID, info))
	if err != nil {
		s.unregister(session.TraceID, info)
		return err
	}

	s.mu.Lock()
	info.handle = handle
	dropped := s.active[session.TraceID] != info
	s.mu.Unlock()

	// Cancelled or shut down before the handle was stored.
	if dropped {
		handle.Cancel()
	}
	return nil
}

// Session returns the live snapshot of a tracked payment, or the cached one otherwise.
func (s *Service) Session(ctx context.Context, traceID string) (*models.PaymentSession, error) {
	s.mu.Lock()
	info, ok := s.active[traceID]
	var handle *tracker.Handle
	if ok {
		handle = info.handle
	}
	s.mu.Unlock()

	if handle != nil {
		snap := handle.Session()
		return &snap, nil
	}

	session, err := s.cache.Get(ctx, traceID)
	if errors.Is(err, cache.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// Cancel stops tracking traceID and discards its cached session. No further events are
// produced for it.
func (s *Service) Cancel(traceID string) error {
	s.mu.Lock()
	info, ok := s.active[traceID]
	var handle *tracker.Handle
	if ok {
		handle = info.handle
		delete(s.active, traceID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotTracked
	}
	if handle != nil {
		handle.Cancel()
		// A callback already running may still write a snapshot; let it finish first.
		select {
		case <-handle.Done():
		case <-time.After(s.sideTO):
		}
	}
	s.releaseLease(traceID)
	s.discardSnapshot(traceID)

	s.log.LogPayment("CANCEL", traceID, "tracking cancelled by caller")
	s.emit(models.TrackingEvent{Type: models.EventCancelled, TraceID: traceID})
	return nil
}

// History lists finished attempts for a card, newest first.
func (s *Service) History(ctx context.Context, cardID string, limit int) ([]models.PaymentAttempt, error) {
	if !tracker.ValidCardID(cardID) {
		return nil, &tracker.ValidationError{Field: "cardId", Value: cardID}
	}
	if s.store == nil {
		return nil, ErrHistoryUnavailable
	}
	return s.store.ListByCard(ctx, cardID, limit)
}

// Active returns the number of payments currently tracked.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every tracker, ends their event streams with a cancelled event and
// waits for the goroutines to exit or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*tracker.Handle, 0, len(s.active))
	ids := make([]string, 0, len(s.active))
	for id, info := range s.active {
		if info.handle != nil {
			handles = append(handles, info.handle)
		}
		ids = append(ids, id)
		delete(s.active, id)
	}
	s.mu.Unlock()

	s.stop()
	for _, h := range handles {
		h.Cancel()
	}
	for _, id := range ids {
		s.releaseLease(id)
		s.emit(models.TrackingEvent{Type: models.EventCancelled, TraceID: id, Message: "payment service is shutting down"})
	}

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("PAYMENT", fmt.Sprintf("Stopped %d trackers", len(handles)))
	return nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) isTracked(traceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[traceID]
	return ok
}

// unregister drops traceID and its lease only while it still maps to info.
func (s *Service) unregister(traceID string, info *trackedPayment) {
	s.mu.Lock()
	owned := s.active[traceID] == info
	if owned {
		delete(s.active, traceID)
	}
	s.mu.Unlock()

	if owned {
		s.releaseLease(traceID)
	}
}

// acquireLease reports whether this instance may track traceID. A lease store that
// cannot be reached does not block tracking.
func (s *Service) acquireLease(traceID string) bool {
	if s.leases == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.sideTO)
	defer cancel()

	ok, err := s.leases.Acquire(ctx, traceID)
	if err != nil {
		s.log.Warn("PAYMENT", fmt.Sprintf("Lease check failed for %s, tracking anyway: %v", traceID, err))
		return true
	}
	if !ok {
		s.log.Info("PAYMENT", fmt.Sprintf("%s is tracked by another instance", traceID))
	}
	return ok
}

func (s *Service) releaseLease(traceID string) {
	if s.leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.sideTO)
	defer cancel()
	if err := s.leases.Release(ctx, traceID); err != nil {
		s.log.Warn("PAYMENT", fmt.Sprintf("Failed to release lease for %s: %v", traceID, err))
	}
}

func (s *Service) listenerFor(traceID string, info *trackedPayment) tracker.Listener {
	return tracker.ListenerFuncs{
		OnStatusChanged: func(session models.PaymentSession) {
			s.saveSnapshot(traceID, session)
			snap := session
			s.emit(models.TrackingEvent{
				Type:    models.EventStatusChanged,
				TraceID: traceID,
				Session: &snap,
				Message: session.Message,
			})
		},
		OnSucceeded: func(evt tracker.SuccessEvent) {
			svc := evt.Service
			s.emit(models.TrackingEvent{
				Type:    models.EventSucceeded,
				TraceID: traceID,
				Service: &svc,
				Message: models.StatusMessage(models.StatusFinish),
			})
			s.finish(info, traceID, models.StatusFinish, models.OutcomeSucceeded, "", evt.Attempts)
		},
		OnFailed: func(evt tracker.FailureEvent) {
			s.saveSnapshot(traceID, evt.Session)

			message := evt.Err.Error()
			if evt.Reason != tracker.ReasonRejected {
				message = tracker.DuplicateChargeWarning
			}
			snap := evt.Session
			s.emit(models.TrackingEvent{
				Type:    models.EventFailed,
				TraceID: traceID,
				Session: &snap,
				Reason:  string(evt.Reason),
				Message: message,
			})

			s.finish(info, traceID, evt.Status, string(evt.Reason), failureDetail(evt), evt.Attempts)
			s.unregister(traceID, info)
		},
		OnClosed: func(string) {
			s.emit(models.TrackingEvent{Type: models.EventClosed, TraceID: traceID})
			s.unregister(traceID, info)
		},
	}
}

func failureDetail(evt tracker.FailureEvent) string {
	var rejected *tracker.RejectedPayment
	if errors.As(evt.Err, &rejected) {
		return rejected.Reason
	}
	return evt.Err.Error()
}

// finish writes the history row and publishes the outcome.
func (s *Service) finish(info *trackedPayment, traceID string, status models.PaymentStatus, outcome, detail string, polls int) {
	now := s.now()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.sideTO)
		err := s.store.SaveAttempt(ctx, &models.PaymentAttempt{
			TraceID:    traceID,
			UserID:     info.userID,
			CardID:     info.cardID,
			ServiceID:  info.service.ID,
			Proveedor:  info.service.Proveedor,
			Servicio:   info.service.Servicio,
			Plan:       info.service.Plan,
			Amount:     info.service.PrecioMensual.Float64(),
			Status:     status,
			Outcome:    outcome,
			Error:      detail,
			Polls:      polls,
			StartedAt:  info.startedAt,
			FinishedAt: now,
		})
		cancel()
		if err != nil {
			s.log.Error("PAYMENT", fmt.Sprintf("Failed to record attempt %s: %v", traceID, err))
		}
	}

	if s.publisher == nil {
		return
	}

	out := models.PaymentOutcome{
		TraceID:   traceID,
		UserID:    info.userID,
		CardID:    info.cardID,
		Service:   info.service,
		Outcome:   outcome,
		Status:    status,
		Error:     detail,
		Timestamp: now,
	}
	if outcome == models.OutcomeTimeout || outcome == models.OutcomeNetwork {
		out.Warning = tracker.DuplicateChargeWarning
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sideTO)
	defer cancel()

	var err error
	if outcome == models.OutcomeSucceeded {
		err = s.publisher.PublishPaymentSucceeded(ctx, out)
	} else {
		err = s.publisher.PublishPaymentFailed(ctx, out)
	}
	if err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Failed to publish outcome for %s: %v", traceID, err))
	}
}

func (s *Service) saveSnapshot(traceID string, session models.PaymentSession) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sideTO)
	defer cancel()
	if err := s.cache.Save(ctx, traceID, session); err != nil {
		s.log.Warn("PAYMENT", fmt.Sprintf("Failed to cache session %s: %v", traceID, err))
	}
}

func (s *Service) discardSnapshot(traceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sideTO)
	defer cancel()
	if err := s.cache.Delete(ctx, traceID); err != nil {
		s.log.Warn("PAYMENT", fmt.Sprintf("Failed to discard session %s: %v", traceID, err))
	}
}

func (s *Service) emit(evt models.TrackingEvent) {
	if s.events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now()
	}
	s.events.Emit(evt)
}
