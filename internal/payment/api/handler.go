package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ms-paytracker/internal/auth"
	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"
	"ms-paytracker/internal/payment"
	"ms-paytracker/internal/payment/tracker"
	"ms-paytracker/internal/sse"
	"ms-paytracker/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PaymentService is the part of payment.Service the API drives.
type PaymentService interface {
	StartPayment(ctx context.Context, cardID string, service models.ServiceDetails) (*models.PaymentSession, error)
	Watch(ctx context.Context, traceID string) (*models.PaymentSession, error)
	Session(ctx context.Context, traceID string) (*models.PaymentSession, error)
	Cancel(traceID string) error
	History(ctx context.Context, cardID string, limit int) ([]models.PaymentAttempt, error)
	Active() int
}

// EventSource streams tracking events per trace.
type EventSource interface {
	Subscribe(ctx context.Context, traceID string) <-chan models.TrackingEvent
}

// HealthChecker is implemented by dependencies that can report their own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Handler struct {
	Payments PaymentService
	Events   EventSource
	Checks   map[string]HealthChecker
	Logger   *logger.Logger
}

func NewHandler(payments PaymentService, events EventSource, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Handler{
		Payments: payments,
		Events:   events,
		Checks:   make(map[string]HealthChecker),
		Logger:   log,
	}
}

type startPaymentRequest struct {
	CardID  string                `json:"cardId"`
	Service models.ServiceDetails `json:"service"`
}

type startPaymentResponse struct {
	TraceID string                 `json:"traceId"`
	Session *models.PaymentSession `json:"session"`
}

// RegisterRoutes mounts the payment API on r behind the auth middleware.
func (h *Handler) RegisterRoutes(r chi.Router, verifier auth.Verifier, authRequired bool) {
	r.Get("/health", h.Health)

	r.Route("/api/payments", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, authRequired, h.Logger))

		r.Post("/", h.StartPayment)
		r.Get("/history", h.History)
		r.Get("/{traceId}", h.GetSession)
		r.Delete("/{traceId}", h.CancelTracking)
		r.Post("/{traceId}/track", h.Track)
		r.Get("/{traceId}/events", h.StreamEvents)
	})
}

// RequestLogger logs method, path, status and latency of every request.
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.Logger.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).String())
	})
}

func (h *Handler) StartPayment(w http.ResponseWriter, r *http.Request) {
	var req startPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}

	session, err := h.Payments.StartPayment(r.Context(), req.CardID, req.Service)
	if err != nil {
		h.writeServiceError(w, "StartPayment", err)
		return
	}

	utils.WriteJSON(w, http.StatusAccepted, utils.SuccessResponse("Payment started", startPaymentResponse{
		TraceID: session.TraceID,
		Session: session,
	}))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")

	session, err := h.Payments.Session(r.Context(), traceID)
	if err != nil {
		h.writeServiceError(w, "GetSession", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment session", session))
}

func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")

	session, err := h.Payments.Watch(r.Context(), traceID)
	if err != nil {
		h.writeServiceError(w, "Track", err)
		return
	}

	status := http.StatusAccepted
	message := "Tracking started"
	if session.Status.IsTerminal() {
		status = http.StatusOK
		message = "Payment already finished"
	}
	utils.WriteJSON(w, status, utils.SuccessResponse(message, session))
}

// CancelTracking answers 204 whether or not the trace was being tracked.
func (h *Handler) CancelTracking(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")

	if err := h.Payments.Cancel(traceID); err != nil && !errors.Is(err, payment.ErrNotTracked) {
		h.writeServiceError(w, "CancelTracking", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	cardID := r.URL.Query().Get("cardId")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	attempts, err := h.Payments.History(r.Context(), cardID, limit)
	if err != nil {
		h.writeServiceError(w, "History", err)
		return
	}
	if attempts == nil {
		attempts = []models.PaymentAttempt{}
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment history", attempts))
}

// StreamEvents relays a trace's tracking events until tracking ends or the client leaves.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	if _, ok := w.(http.Flusher); !ok {
		utils.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events := h.Events.Subscribe(ctx, traceID)

	sse.SetupHeaders(w)
	w.WriteHeader(http.StatusOK)

	connected := map[string]interface{}{"status": "connected", "traceId": traceID}
	if session, err := h.Payments.Session(ctx, traceID); err == nil {
		connected["session"] = session
	}
	if err := sse.WriteEvent(w, "connected", connected); err != nil {
		h.Logger.Debug("SSE", fmt.Sprintf("Client for %s went away: %v", traceID, err))
		return
	}
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to tracking events for %s", traceID))

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := sse.WriteEvent(w, evt.Type, evt); err != nil {
				h.Logger.Debug("SSE", fmt.Sprintf("Client for %s went away: %v", traceID, err))
				return
			}
			switch evt.Type {
			case models.EventFailed, models.EventClosed, models.EventCancelled:
				return
			}
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from tracking events for %s", traceID))
			return
		}
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for name, c := range h.Checks {
		if err := c.HealthCheck(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status":         http.StatusText(status),
		"activeTrackers": h.Payments.Active(),
		"checks":         checks,
	}
	if status != http.StatusOK {
		utils.WriteJSON(w, status, utils.APIResponse{
			Success:   false,
			Message:   "Unhealthy",
			Data:      body,
			Timestamp: time.Now(),
		})
		return
	}
	utils.WriteJSON(w, status, utils.SuccessResponse("Healthy", body))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var verr *tracker.ValidationError
	var ierr *tracker.InitiationError

	switch {
	case errors.As(err, &verr):
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid payment data", verr.Error()))
	case errors.As(err, &ierr):
		title, message := ierr.UserMessage()
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		utils.WriteJSON(w, initiationStatus(ierr.StatusCode), utils.ErrorResponse(title, message))
	case errors.Is(err, tracker.ErrNoSession):
		utils.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payment.ErrSessionNotFound), errors.Is(err, payment.ErrNotTracked):
		utils.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, payment.ErrAlreadyTracked):
		utils.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrHistoryUnavailable), errors.Is(err, payment.ErrServiceShuttingDown):
		utils.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		utils.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// initiationStatus maps the backend's answer onto ours. Client-side errors pass
// through; an unreachable backend is 503, anything else 502.
func initiationStatus(upstream int) int {
	switch upstream {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return upstream
	case 0:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
