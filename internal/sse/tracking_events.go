package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"ms-paytracker/internal/models"
)

const clientBuffer = 16

// TrackingEventEmitter fans tracking events out to SSE clients subscribed by trace id.
type TrackingEventEmitter struct {
	clients map[string][]chan models.TrackingEvent
	mu      sync.RWMutex
}

func NewTrackingEventEmitter() *TrackingEventEmitter {
	return &TrackingEventEmitter{
		clients: make(map[string][]chan models.TrackingEvent),
	}
}

// Subscribe registers a client for one trace. The channel is closed once ctx is done.
func (e *TrackingEventEmitter) Subscribe(ctx context.Context, traceID string) <-chan models.TrackingEvent {
	clientChan := make(chan models.TrackingEvent, clientBuffer)

	e.mu.Lock()
	e.clients[traceID] = append(e.clients[traceID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.removeClient(traceID, clientChan)
	}()

	return clientChan
}

// Emit broadcasts evt to the trace's subscribers. Slow clients whose buffer is full miss
// the event rather than blocking the tracker.
func (e *TrackingEventEmitter) Emit(evt models.TrackingEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, clientChan := range e.clients[evt.TraceID] {
		select {
		case clientChan <- evt:
		default:
		}
	}
}

func (e *TrackingEventEmitter) removeClient(traceID string, clientChan chan models.TrackingEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[traceID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[traceID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	if len(e.clients[traceID]) == 0 {
		delete(e.clients, traceID)
	}
}

// ClientCount returns the number of clients currently subscribed to a trace
func (e *TrackingEventEmitter) ClientCount(traceID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[traceID])
}

// SetupHeaders prepares w for an event stream.
func SetupHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// WriteEvent writes one named SSE frame with a JSON payload and flushes it.
func WriteEvent(w http.ResponseWriter, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
