package tracker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ms-paytracker/internal/models"
	"ms-paytracker/internal/payment/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const validCard = "123e4567-e89b-12d3-a456-426614174000"

type MockPaymentClient struct {
	mock.Mock
}

func (m *MockPaymentClient) InitiatePayment(ctx context.Context, cardID string, service models.ServiceDetails) (string, error) {
	args := m.Called(ctx, cardID, service)
	return args.String(0), args.Error(1)
}

func (m *MockPaymentClient) GetPaymentStatus(ctx context.Context, traceID string) (models.StatusReport, error) {
	args := m.Called(ctx, traceID)
	return args.Get(0).(models.StatusReport), args.Error(1)
}

type statusCodeErr struct{ code int }

func (e statusCodeErr) Error() string   { return "upstream error" }
func (e statusCodeErr) HTTPStatus() int { return e.code }

// recorder collects listener calls in order.
type recorder struct {
	mu        sync.Mutex
	events    []string
	statuses  []models.PaymentStatus
	successes []tracker.SuccessEvent
	failures  []tracker.FailureEvent
	closed    []string
	// succeededAt and closedAt stamp the first Succeeded and Closed calls.
	succeededAt time.Time
	closedAt    time.Time
	end         chan struct{}
	endOnce     sync.Once
}

func newRecorder() *recorder {
	return &recorder{end: make(chan struct{})}
}

func (r *recorder) StatusChanged(s models.PaymentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "status:"+s.Status.String())
	r.statuses = append(r.statuses, s.Status)
}

func (r *recorder) Succeeded(evt tracker.SuccessEvent) {
	r.mu.Lock()
	r.events = append(r.events, "succeeded")
	r.successes = append(r.successes, evt)
	if r.succeededAt.IsZero() {
		r.succeededAt = time.Now()
	}
	r.mu.Unlock()
}

func (r *recorder) Failed(evt tracker.FailureEvent) {
	r.mu.Lock()
	r.events = append(r.events, "failed:"+string(evt.Reason))
	r.failures = append(r.failures, evt)
	r.mu.Unlock()
	r.endOnce.Do(func() { close(r.end) })
}

func (r *recorder) Closed(traceID string) {
	r.mu.Lock()
	r.events = append(r.events, "closed")
	r.closed = append(r.closed, traceID)
	if r.closedAt.IsZero() {
		r.closedAt = time.Now()
	}
	r.mu.Unlock()
	r.endOnce.Do(func() { close(r.end) })
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.end:
	case <-time.After(2 * time.Second):
		t.Fatalf("tracking did not finish, events so far: %v", r.snapshot())
	}
}

func testService() models.ServiceDetails {
	return models.ServiceDetails{
		ID:            7,
		Categoria:     "Streaming",
		Proveedor:     "Netflix",
		Servicio:      "Video",
		Plan:          "Premium",
		PrecioMensual: 35000,
		Estado:        "activo",
	}
}

func fastConfirm() tracker.Config {
	return tracker.Config{Interval: 5 * time.Millisecond, MaxAttempts: 20, GracePeriod: 10 * time.Millisecond}
}

func newSession(traceID string) *models.PaymentSession {
	return &models.PaymentSession{
		TraceID: traceID,
		CardID:  validCard,
		Service: testService(),
		Status:  models.StatusInitial,
	}
}

func report(s models.PaymentStatus) models.StatusReport {
	return models.StatusReport{Status: s, Raw: string(s)}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	client := new(MockPaymentClient)

	_, err := tracker.New(client, tracker.Config{}, nil)
	assert.ErrorIs(t, err, tracker.ErrInvalidConfig)

	_, err = tracker.New(client, tracker.Config{Interval: time.Second, MaxAttempts: -1}, nil)
	assert.ErrorIs(t, err, tracker.ErrInvalidConfig)

	_, err = tracker.New(nil, tracker.ConfirmationConfig(), nil)
	assert.Error(t, err)
}

func TestProfiles(t *testing.T) {
	confirm := tracker.ConfirmationConfig()
	assert.Equal(t, 2*time.Second, confirm.Interval)
	assert.Equal(t, 20, confirm.MaxAttempts)
	assert.Equal(t, 3*time.Second, confirm.GracePeriod)

	passive := tracker.PassiveConfig()
	assert.Equal(t, 3*time.Second, passive.Interval)
	assert.Zero(t, passive.MaxAttempts)
	assert.Zero(t, passive.GracePeriod)

	assert.Equal(t, "every 2s, 20 attempts, 3s grace", confirm.String())
	assert.Equal(t, "every 3s, unbounded, 0s grace", passive.String())

	tr, err := tracker.New(new(MockPaymentClient), passive, nil)
	require.NoError(t, err)
	assert.Equal(t, passive, tr.Config())
}

func TestInitiate_Success(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("InitiatePayment", mock.Anything, validCard, testService()).Return("trace-1", nil).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	session, err := tr.Initiate(context.Background(), "  "+validCard+" ", testService())
	require.NoError(t, err)
	assert.Equal(t, "trace-1", session.TraceID)
	assert.Equal(t, validCard, session.CardID)
	assert.Equal(t, models.StatusInitial, session.Status)
	assert.Equal(t, testService(), session.Service)
	assert.False(t, session.LastUpdated.IsZero())
	client.AssertExpectations(t)
}

func TestInitiate_InvalidCardMakesNoCall(t *testing.T) {
	for _, card := range []string{
		"not-a-uuid",
		"",
		"123e4567e89b12d3a456426614174000",
		"{123e4567-e89b-12d3-a456-426614174000}",
		"urn:uuid:123e4567-e89b-12d3-a456-426614174000",
		"123e4567-e89b-12d3-a456-42661417400z",
	} {
		client := new(MockPaymentClient)
		tr, err := tracker.New(client, fastConfirm(), nil)
		require.NoError(t, err)

		session, err := tr.Initiate(context.Background(), card, testService())
		assert.Nil(t, session, card)

		var verr *tracker.ValidationError
		require.ErrorAs(t, err, &verr, card)
		assert.Equal(t, "cardId", verr.Field)
		client.AssertNotCalled(t, "InitiatePayment", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestInitiate_BackendFailure(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("InitiatePayment", mock.Anything, validCard, mock.Anything).Return("", statusCodeErr{code: 502}).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	_, err = tr.Initiate(context.Background(), validCard, testService())
	var ierr *tracker.InitiationError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 502, ierr.StatusCode)
}

func TestInitiate_EmptyTraceID(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("InitiatePayment", mock.Anything, validCard, mock.Anything).Return("", nil).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	_, err = tr.Initiate(context.Background(), validCard, testService())
	var ierr *tracker.InitiationError
	require.ErrorAs(t, err, &ierr)
	assert.Zero(t, ierr.StatusCode)
}

func TestTrack_ReachesFinish(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInProgress), nil).Twice()
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusFinish), nil).Once()

	cfg := fastConfirm()
	cfg.GracePeriod = 40 * time.Millisecond
	tr, err := tracker.New(client, cfg, nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)

	rec.waitEnd(t)
	h.Wait()

	assert.Equal(t, []string{"status:IN_PROGRESS", "status:FINISH", "succeeded", "closed"}, rec.snapshot())
	assert.GreaterOrEqual(t, rec.closedAt.Sub(rec.succeededAt), cfg.GracePeriod)
	require.Len(t, rec.successes, 1)
	assert.Equal(t, "trace-1", rec.successes[0].TraceID)
	assert.Equal(t, testService(), rec.successes[0].Service)
	assert.Equal(t, 3, rec.successes[0].Attempts)
	assert.Equal(t, []string{"trace-1"}, rec.closed)

	client.AssertNumberOfCalls(t, "GetPaymentStatus", 3)
	assert.Equal(t, models.StatusFinish, h.Session().Status)
}

func TestTrack_InitialCanJumpToFinish(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusFinish), nil).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)
	rec.waitEnd(t)
	h.Wait()

	assert.Equal(t, []string{"status:FINISH", "succeeded", "closed"}, rec.snapshot())
}

func TestTrack_RejectedClearsTransientFields(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInProgress), nil).Once()
	client.On("GetPaymentStatus", mock.Anything, "trace-1").
		Return(models.StatusReport{Status: models.StatusFailed, Raw: "FAILED", Error: "insufficient funds"}, nil).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)
	rec.waitEnd(t)
	h.Wait()

	assert.Equal(t, []string{"status:IN_PROGRESS", "status:FAILED", "failed:rejected"}, rec.snapshot())
	require.Len(t, rec.failures, 1)

	var rejected *tracker.RejectedPayment
	require.ErrorAs(t, rec.failures[0].Err, &rejected)
	assert.Equal(t, "insufficient funds", rejected.Reason)
	assert.Equal(t, "trace-1", rec.failures[0].TraceID)
	assert.Empty(t, rec.failures[0].Session.TraceID)
	assert.Equal(t, models.StatusFailed, rec.failures[0].Session.Status)

	session := h.Session()
	assert.Empty(t, session.TraceID)
	assert.Empty(t, session.Message)
	assert.Equal(t, "insufficient funds", session.Error)
	assert.Equal(t, "trace-1", h.TraceID())

	// no close signal after a failure
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.closed)
	client.AssertNumberOfCalls(t, "GetPaymentStatus", 2)
}

func TestTrack_TimeoutAfterBound(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInProgress), nil)

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)
	rec.waitEnd(t)
	h.Wait()

	client.AssertNumberOfCalls(t, "GetPaymentStatus", 20)
	assert.Equal(t, []string{"status:IN_PROGRESS", "failed:timeout"}, rec.snapshot())
	assert.Empty(t, rec.successes)

	var terr *tracker.TimeoutError
	require.ErrorAs(t, rec.failures[0].Err, &terr)
	assert.Equal(t, 20, terr.Attempts)
	assert.NoError(t, terr.LastErr)
	assert.Equal(t, models.StatusInProgress, rec.failures[0].Status)
	assert.Empty(t, h.Session().TraceID)
}

func TestTrack_TransientErrorsKeepPolling(t *testing.T) {
	netErr := errors.New("connection refused")
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(models.StatusReport{}, netErr).Twice()
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusFinish), nil).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)
	rec.waitEnd(t)
	h.Wait()

	assert.Equal(t, []string{"status:FINISH", "succeeded", "closed"}, rec.snapshot())
	assert.Equal(t, 3, rec.successes[0].Attempts)
}

func TestTrack_ErrorsExhaustBoundAsNetwork(t *testing.T) {
	netErr := errors.New("connection refused")
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(models.StatusReport{}, netErr)

	cfg := fastConfirm()
	cfg.MaxAttempts = 3
	tr, err := tracker.New(client, cfg, nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)
	rec.waitEnd(t)
	h.Wait()

	client.AssertNumberOfCalls(t, "GetPaymentStatus", 3)
	assert.Equal(t, []string{"failed:network"}, rec.snapshot())

	var terr *tracker.TimeoutError
	require.ErrorAs(t, rec.failures[0].Err, &terr)
	assert.ErrorIs(t, rec.failures[0].Err, netErr)
}

func TestTrack_UnknownAndRegressionIgnored(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInProgress), nil).Once()
	client.On("GetPaymentStatus", mock.Anything, "trace-1").
		Return(models.StatusReport{Status: models.StatusUnknown, Raw: "PENDING_REVIEW"}, nil).Once()
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInitial), nil).Once()
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusFinish), nil).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)
	rec.waitEnd(t)
	h.Wait()

	assert.Equal(t, []string{"status:IN_PROGRESS", "status:FINISH", "succeeded", "closed"}, rec.snapshot())
	client.AssertNumberOfCalls(t, "GetPaymentStatus", 4)
}

func TestTrack_PassiveProfileIsUnbounded(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInProgress), nil)

	tr, err := tracker.New(client, tracker.Config{Interval: time.Millisecond}, nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.Attempts() > 25 }, 2*time.Second, time.Millisecond)
	h.Cancel()
	h.Wait()

	assert.Empty(t, rec.failures)
	assert.Equal(t, []string{"status:IN_PROGRESS"}, rec.snapshot())
}

func TestTrack_RejectsBadSessions(t *testing.T) {
	tr, err := tracker.New(new(MockPaymentClient), fastConfirm(), nil)
	require.NoError(t, err)

	_, err = tr.Track(context.Background(), nil, nil)
	assert.ErrorIs(t, err, tracker.ErrNoSession)

	_, err = tr.Track(context.Background(), &models.PaymentSession{}, nil)
	assert.ErrorIs(t, err, tracker.ErrNoSession)

	done := newSession("trace-1")
	done.Status = models.StatusFinish
	_, err = tr.Track(context.Background(), done, nil)
	assert.ErrorIs(t, err, tracker.ErrAlreadyTerminal)
}

// blockingClient parks every status query until released.
type blockingClient struct {
	started chan struct{}
	release chan struct{}
	result  models.StatusReport
}

func (c *blockingClient) InitiatePayment(context.Context, string, models.ServiceDetails) (string, error) {
	return "", errors.New("not used")
}

func (c *blockingClient) GetPaymentStatus(ctx context.Context, traceID string) (models.StatusReport, error) {
	c.started <- struct{}{}
	<-c.release
	return c.result, nil
}

func TestCancel_DiscardsInFlightResult(t *testing.T) {
	client := &blockingClient{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		result:  report(models.StatusFinish),
	}
	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.Track(context.Background(), newSession("trace-1"), rec)
	require.NoError(t, err)

	<-client.started
	h.Cancel()
	close(client.release)
	h.Wait()

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 1, h.Attempts())
}

func TestCancel_DuringGracePeriodSuppressesClose(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusFinish), nil).Once()

	cfg := fastConfirm()
	cfg.GracePeriod = time.Hour
	tr, err := tracker.New(client, cfg, nil)
	require.NoError(t, err)

	succeeded := make(chan struct{})
	h, err := tr.Track(context.Background(), newSession("trace-1"), tracker.ListenerFuncs{
		OnSucceeded: func(tracker.SuccessEvent) { close(succeeded) },
		OnClosed:    func(string) { t.Error("closed fired after cancel") },
	})
	require.NoError(t, err)

	<-succeeded
	h.Cancel()
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle did not stop")
	}
}

func TestCancel_FromInsideCallback(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInProgress), nil)

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	var h *tracker.Handle
	ready := make(chan struct{})
	calls := 0
	h, err = tr.Track(context.Background(), newSession("trace-1"), tracker.ListenerFuncs{
		OnStatusChanged: func(models.PaymentSession) {
			<-ready
			calls++
			h.Cancel()
		},
	})
	require.NoError(t, err)
	close(ready)
	h.Wait()

	assert.Equal(t, 1, calls)
}

func TestTrack_ParentContextCancels(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-1").Return(report(models.StatusInProgress), nil)

	tr, err := tracker.New(client, tracker.PassiveConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := tr.Track(ctx, newSession("trace-1"), nil)
	require.NoError(t, err)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle did not stop on parent cancellation")
	}
	client.AssertNotCalled(t, "GetPaymentStatus", mock.Anything, mock.Anything)
}

func TestTrack_IndependentSessions(t *testing.T) {
	client := new(MockPaymentClient)
	client.On("GetPaymentStatus", mock.Anything, "trace-a").Return(report(models.StatusFinish), nil).Once()
	client.On("GetPaymentStatus", mock.Anything, "trace-b").
		Return(models.StatusReport{Status: models.StatusFailed, Raw: "FAILED"}, nil).Once()

	tr, err := tracker.New(client, fastConfirm(), nil)
	require.NoError(t, err)

	recA, recB := newRecorder(), newRecorder()
	ha, err := tr.Track(context.Background(), newSession("trace-a"), recA)
	require.NoError(t, err)
	hb, err := tr.Track(context.Background(), newSession("trace-b"), recB)
	require.NoError(t, err)

	recA.waitEnd(t)
	recB.waitEnd(t)
	ha.Wait()
	hb.Wait()

	assert.Equal(t, []string{"status:FINISH", "succeeded", "closed"}, recA.snapshot())
	assert.Equal(t, []string{"status:FAILED", "failed:rejected"}, recB.snapshot())
}

type upstreamErr struct {
	code int
	msg  string
}

func (e upstreamErr) Error() string           { return e.msg }
func (e upstreamErr) HTTPStatus() int         { return e.code }
func (e upstreamErr) UpstreamMessage() string { return e.msg }

func TestInitiationError_UserMessage(t *testing.T) {
	cases := []struct {
		code  int
		err   error
		title string
	}{
		{502, errors.New("bad gateway"), "Service temporarily unavailable"},
		{401, errors.New("no"), "Not authorized"},
		{403, errors.New("no"), "Not authorized"},
		{404, errors.New("missing"), "Service not found"},
		{0, errors.New("dial tcp"), "Connection error"},
		{500, errors.New("boom"), "Payment could not be processed"},
	}
	for _, tc := range cases {
		title, msg := (&tracker.InitiationError{StatusCode: tc.code, Err: tc.err}).UserMessage()
		assert.Equal(t, tc.title, title, tc.code)
		assert.NotEmpty(t, msg)
	}

	title, msg := (&tracker.InitiationError{StatusCode: 400, Err: upstreamErr{400, "card is blocked"}}).UserMessage()
	assert.Equal(t, "Invalid payment data", title)
	assert.Equal(t, "card is blocked", msg)

	title, msg = (&tracker.InitiationError{StatusCode: 409, Err: upstreamErr{409, "payment already in progress"}}).UserMessage()
	assert.Equal(t, "Payment could not be processed", title)
	assert.Equal(t, "payment already in progress", msg)

	_, msg = (&tracker.InitiationError{StatusCode: 500, Err: errors.New("boom")}).UserMessage()
	assert.Equal(t, "Please try again.", msg)

	_, msg = (&tracker.InitiationError{StatusCode: 502, Err: upstreamErr{502, "upstream down"}}).UserMessage()
	assert.Equal(t, "The payment server is having problems. Please try again in a few moments.", msg)
}
