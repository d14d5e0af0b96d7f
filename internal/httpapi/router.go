package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/config"
	"github.com/dob-edge/feedhub/internal/hierarchy"
	"github.com/dob-edge/feedhub/internal/hub"
	"github.com/dob-edge/feedhub/internal/limits"
	"github.com/dob-edge/feedhub/internal/metrics"
	"github.com/dob-edge/feedhub/internal/tracker"
)

// Server is the /api edge: JSON endpoints, SSE streams and the results
// pass-through, behind CORS and connection rate limiting.
type Server struct {
	cfg     *config.Config
	hub     *hub.Hub
	hier    *hierarchy.Cache
	tracker *tracker.Manager
	agg     *metrics.Aggregator
	limiter *limits.ConnectionRateLimiter
	results *resultsClient
	logger  zerolog.Logger
}

func NewServer(
	cfg *config.Config,
	h *hub.Hub,
	hier *hierarchy.Cache,
	tm *tracker.Manager,
	agg *metrics.Aggregator,
	limiter *limits.ConnectionRateLimiter,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		hier:    hier,
		tracker: tm,
		agg:     agg,
		limiter: limiter,
		results: newResultsClient(cfg),
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}
}

// Handler builds the route table. Every /api route goes through CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/hierarchy", s.handleHierarchy)

	mux.HandleFunc("GET /api/counts-stream", s.handleCountsStream)
	mux.HandleFunc("GET /api/live-stream", s.handleLiveStream)
	mux.HandleFunc("GET /api/prematch-stream", s.handlePrematchStream)
	mux.HandleFunc("GET /api/live-game-stream", s.handleGameStream)
	mux.HandleFunc("GET /api/competition-odds-stream", s.handleCompetitionStream)
	mux.HandleFunc("GET /api/live-tracker", s.handleLiveTracker)

	mux.HandleFunc("GET /api/results/competitions", s.handleResultsCompetitions)
	mux.HandleFunc("GET /api/results/games/{sportId}", s.handleResultsGames)
	mux.HandleFunc("GET /api/results/game/{gameId}", s.handleResultsGame)

	return s.cors(mux)
}

// cors allows the configured origin family. Preflights are answered here;
// everything else passes through with the allow headers set.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")
		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	return strings.HasPrefix(origin, s.cfg.AllowedOriginPrefix) &&
		strings.HasSuffix(origin, s.cfg.AllowedOriginSuffix)
}

// clientIP prefers the forwarded-for chain (the edge sits behind a proxy in
// production), falling back to the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
