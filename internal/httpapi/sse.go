package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeat = 30 * time.Second

// handleEvents streams tile placements to a viewer as server-sent events.
// The stream opens with a full state snapshot so a (re)connecting viewer
// converges before incremental placements resume; dropped events are
// recovered the same way on the next reconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	placements, cancel := s.eng.Canvas().Watch()
	defer cancel()

	if state, err := s.eng.State(); err == nil {
		payload, err := json.Marshal(state)
		if err == nil {
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-placements:
			if !ok {
				return
			}
			payload, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: placement\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
