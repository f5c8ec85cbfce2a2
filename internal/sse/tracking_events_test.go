package sse

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"ms-paytracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversByTrace(t *testing.T) {
	e := NewTrackingEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := e.Subscribe(ctx, "trace-a")
	b := e.Subscribe(ctx, "trace-b")
	assert.Equal(t, 1, e.ClientCount("trace-a"))

	e.Emit(models.TrackingEvent{Type: models.EventSucceeded, TraceID: "trace-a"})

	select {
	case evt := <-a:
		assert.Equal(t, models.EventSucceeded, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case evt := <-b:
		t.Fatalf("unexpected event for trace-b: %+v", evt)
	default:
	}
}

func TestEmitterRemovesClientOnCancel(t *testing.T) {
	e := NewTrackingEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	ch := e.Subscribe(ctx, "trace-a")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, e.ClientCount("trace-a"))

	// emitting to a trace with no clients is a no-op
	e.Emit(models.TrackingEvent{TraceID: "trace-a"})
}

func TestEmitterDropsForSlowClients(t *testing.T) {
	e := NewTrackingEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := e.Subscribe(ctx, "trace-a")
	for i := 0; i < clientBuffer+5; i++ {
		e.Emit(models.TrackingEvent{Type: models.EventStatusChanged, TraceID: "trace-a"})
	}
	assert.Len(t, ch, clientBuffer)
}

func TestWriteEvent(t *testing.T) {
	w := httptest.NewRecorder()
	SetupHeaders(w)
	require.NoError(t, WriteEvent(w, "status_changed", map[string]string{"status": "IN_PROGRESS"}))

	assert.Equal(t, "text/event-stream;charset=UTF-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "event: status_changed\ndata: {\"status\":\"IN_PROGRESS\"}\n\n", w.Body.String())
	assert.True(t, w.Flushed)
}
