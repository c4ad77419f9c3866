package events

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// KeepAlive is the interval between SSE comment lines on an idle stream.
var KeepAlive = 15 * time.Second

// Handler streams hub events as server-sent events. A Last-Event-ID header
// replays buffered events after that ID; otherwise the whole ring is sent
// first.
func Handler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		// Streams outlive the server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		// Subscribe before replaying so nothing published in between is lost.
		ch, cancel := h.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
		for _, ev := range h.Since(lastID) {
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastID = ev.ID
		}
		flusher.Flush()

		ticker := time.NewTicker(KeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.ID <= lastID {
					continue
				}
				if err := writeSSE(w, ev); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w io.Writer, ev Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
