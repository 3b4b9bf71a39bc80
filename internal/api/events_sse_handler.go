package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"kernelhub/internal/event"
	"kernelhub/internal/logging"
)

const sseHeartbeatInterval = 30 * time.Second

// EventsSSEHandler streams kernel lifecycle events so clients can react to
// restarts and deaths without polling the kernel list.
type EventsSSEHandler struct {
	Bus       *event.Bus[event.KernelEvent]
	Logger    *logging.Logger
	AuthToken string
}

func (h *EventsSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.Bus == nil {
		http.Error(w, "event bus unavailable", http.StatusInternalServerError)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.subscribe(r)
	defer cancel()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type(), payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// subscribe honors an optional ?type= query so a client can follow a single
// lifecycle transition, e.g. only kernel_died.
func (h *EventsSSEHandler) subscribe(r *http.Request) (<-chan event.KernelEvent, func()) {
	want := r.URL.Query().Get("type")
	if want == "" {
		return h.Bus.Subscribe()
	}
	return h.Bus.SubscribeFiltered(func(evt event.KernelEvent) bool {
		return evt.Type() == want
	})
}
