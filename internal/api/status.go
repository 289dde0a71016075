package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepAliveInterval spaces SSE comments that keep idle proxies from closing
// the stream.
const keepAliveInterval = 25 * time.Second

func (s *Server) handleLatestStatus(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	update, err := s.status.Latest(r.Context(), ownerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// handleStatusStream relays the owner's live status updates as server-sent
// events until the client goes away.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, r, fmt.Errorf("streaming unsupported by %T", w))
		return
	}

	updates, err := s.status.Subscribe(ctx, ownerFrom(ctx))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				s.logger.Warn(ctx, "dropping unencodable status update", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: status\ndata: %s\n\n", update.EventID, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
