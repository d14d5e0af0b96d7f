package httpapi

import (
	"net/http"

	"github.com/dob-edge/feedhub/internal/hub"
	"github.com/dob-edge/feedhub/internal/sse"
)

// sseHeaders must be written before the first byte of the stream.
// X-Accel-Buffering disables proxy buffering; no-transform keeps
// intermediaries from recoding the stream.
func sseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// detacher is the common shape of hub and tracker attachments.
type detacher interface {
	Close(reason string)
}

// stream runs one SSE request: rate-limit the attach, create the client,
// hand it to attach, then drain its frame sink into the response until the
// request is cancelled or the client is removed.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, attach func(*sse.Client) detacher) {
	if !s.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := sse.NewClient()
	att := attach(client)

	ctx := r.Context()
	for {
		select {
		case frame := <-client.Frames():
			if _, err := w.Write(frame); err != nil {
				att.Close(sse.ReasonWriteFailed)
				return
			}
			flusher.Flush()
		case <-client.Done():
			// Removed by the broadcaster (slow, group closed); drain nothing.
			return
		case <-ctx.Done():
			att.Close(sse.ReasonCancelled)
			return
		}
	}
}

func (s *Server) handleCountsStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, func(c *sse.Client) detacher {
		return s.hub.AttachCounts(c)
	})
}

func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	sportID := r.URL.Query().Get("sportId")
	if sportID == "" {
		writeError(w, http.StatusBadRequest, "sportId is required")
		return
	}
	sportName := r.URL.Query().Get("sportName")
	s.stream(w, r, func(c *sse.Client) detacher {
		return s.hub.AttachSport(hub.ModeLive, sportID, sportName, c)
	})
}

func (s *Server) handlePrematchStream(w http.ResponseWriter, r *http.Request) {
	sportID := r.URL.Query().Get("sportId")
	if sportID == "" {
		writeError(w, http.StatusBadRequest, "sportId is required")
		return
	}
	sportName := r.URL.Query().Get("sportName")
	s.stream(w, r, func(c *sse.Client) detacher {
		return s.hub.AttachSport(hub.ModePrematch, sportID, sportName, c)
	})
}

func (s *Server) handleGameStream(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("gameId")
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "gameId is required")
		return
	}
	s.stream(w, r, func(c *sse.Client) detacher {
		return s.hub.AttachGame(gameID, c)
	})
}

func (s *Server) handleCompetitionStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	competitionID := q.Get("competitionId")
	sportID := q.Get("sportId")
	mode := q.Get("mode")
	if competitionID == "" {
		writeError(w, http.StatusBadRequest, "competitionId is required")
		return
	}
	if sportID == "" {
		writeError(w, http.StatusBadRequest, "sportId is required")
		return
	}
	if mode != hub.ModeLive && mode != hub.ModePrematch {
		writeError(w, http.StatusBadRequest, "mode must be live or prematch")
		return
	}
	sportName := q.Get("sportName")
	s.stream(w, r, func(c *sse.Client) detacher {
		return s.hub.AttachCompetition(mode, sportID, competitionID, sportName, c)
	})
}

func (s *Server) handleLiveTracker(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("gameId")
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "gameId is required")
		return
	}
	s.stream(w, r, func(c *sse.Client) detacher {
		return s.tracker.Attach(gameID, c)
	})
}
