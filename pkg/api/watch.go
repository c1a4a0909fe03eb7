package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/hutch/pkg/types"
)

// handleWatch streams matching events as newline-delimited JSON until
// the client disconnects. Without an explicit ?since= the stream tails
// from the current head; pass the last id you saw to resume with full
// replay. Ids are strictly increasing within one stream, so the last
// line is always a safe restart point.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r, 0)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if r.URL.Query().Get("since") == "" {
		head, err := s.kernel.Events().LastID()
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		q.SinceID = head
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.logger, &types.ValidationError{Field: "stream", Reason: "response writer does not support streaming"})
		return
	}

	sub, err := s.kernel.Events().Subscribe(r.Context(), q)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range sub {
		if err := enc.Encode(ev); err != nil {
			return
		}
		flusher.Flush()
	}
}
