package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/config"
	"github.com/dob-edge/feedhub/internal/feed"
	"github.com/dob-edge/feedhub/internal/hierarchy"
	"github.com/dob-edge/feedhub/internal/hub"
	"github.com/dob-edge/feedhub/internal/limits"
	"github.com/dob-edge/feedhub/internal/metrics"
	"github.com/dob-edge/feedhub/internal/sportsdata"
	"github.com/dob-edge/feedhub/internal/tracker"
)

// newTestServer wires a Server over an unconnected feed session. Only the
// non-attaching paths (validation, CORS, health, hierarchy, results) are
// exercised here; stream attachment needs a live upstream.
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	nop := zerolog.Nop()

	if cfg.PollWorkers == 0 {
		cfg.PollWorkers = 1
	}
	if cfg.PollQueueSize == 0 {
		cfg.PollQueueSize = 8
	}

	session := feed.NewSession(feed.SessionConfig{URL: "ws://127.0.0.1:1/feed"}, nop)
	hier := hierarchy.NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		return sportsdata.Payload{
			"sport": sportsdata.Payload{"1": sportsdata.Payload{"id": "1", "name": "Soccer"}},
		}, nil
	}, nil, nop)
	agg := metrics.NewAggregator(nil, time.Second, nop)
	h := hub.New(cfg, session, hier, nil, nop)
	tm := tracker.NewManager(cfg, agg, nop)
	limiter := limits.NewConnectionRateLimiter(limits.Config{}, nop)

	t.Cleanup(func() {
		limiter.Stop()
		h.Shutdown(context.Background())
	})
	return NewServer(cfg, h, hier, tm, agg, limiter, nop)
}

func testConfig() *config.Config {
	return &config.Config{
		AllowedOriginPrefix: "https://",
		AllowedOriginSuffix: ".example.com",
		ResultsTimeout:      2 * time.Second,
	}
}

func doRequest(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStreamParamValidation(t *testing.T) {
	s := newTestServer(t, testConfig())

	cases := []struct {
		name   string
		target string
	}{
		{"live no sportId", "/api/live-stream"},
		{"prematch no sportId", "/api/prematch-stream"},
		{"game no gameId", "/api/live-game-stream"},
		{"tracker no gameId", "/api/live-tracker"},
		{"competition no competitionId", "/api/competition-odds-stream?sportId=1&mode=live"},
		{"competition no sportId", "/api/competition-odds-stream?competitionId=5&mode=live"},
		{"competition bad mode", "/api/competition-odds-stream?competitionId=5&sportId=1&mode=upcoming"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(s, http.MethodGet, tc.target, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("body = %s", w.Body.String())
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doRequest(s, http.MethodOptions, "/api/health", http.Header{
		"Origin": {"https://app.example.com"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("allow-methods missing on preflight")
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doRequest(s, http.MethodGet, "/api/health", http.Header{
		"Origin": {"https://evil.other.com"},
	})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
	if got := w.Header().Values("Vary"); len(got) == 0 {
		t.Fatal("Vary: Origin missing")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doRequest(s, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q", body.Status)
	}
	if body.SwarmWS["connected"] != false {
		t.Fatalf("swarm_ws.connected = %v with no upstream", body.SwarmWS["connected"])
	}
}

func TestHierarchyEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doRequest(s, http.MethodGet, "/api/hierarchy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Cached bool               `json:"cached"`
		Data   sportsdata.Payload `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) == 0 {
		t.Fatal("empty hierarchy document")
	}

	// Second read is served from cache.
	w = doRequest(s, http.MethodGet, "/api/hierarchy", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Cached {
		t.Fatal("second read not cached")
	}
}

func TestResultsGamesEnvelope(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/games/1" {
			t.Errorf("backend path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("from") != "2026-08-01" {
			t.Errorf("from not forwarded: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"id":"g1"},{"id":"g2"}]`))
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.ResultsURL = backend.URL
	s := newTestServer(t, cfg)

	w := doRequest(s, http.MethodGet, "/api/results/games/1?from=2026-08-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Success bool            `json:"success"`
		SportID string          `json:"sportId"`
		Count   int             `json:"count"`
		Games   json.RawMessage `json:"games"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.SportID != "1" || body.Count != 2 {
		t.Fatalf("envelope = %+v", body)
	}
}

func TestResultsGameSettlements(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"g1","settlements":[{"market":"1X2","outcome":"1"}]}`))
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.ResultsURL = backend.URL
	s := newTestServer(t, cfg)

	w := doRequest(s, http.MethodGet, "/api/results/game/g1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Settlements []map[string]string `json:"settlements"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Settlements) != 1 || body.Settlements[0]["market"] != "1X2" {
		t.Fatalf("settlements = %v", body.Settlements)
	}
}

func TestResultsBackendFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.ResultsURL = backend.URL
	s := newTestServer(t, cfg)

	w := doRequest(s, http.MethodGet, "/api/results/competitions", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.9:4711"
	if got := clientIP(r); got != "192.0.2.9" {
		t.Fatalf("clientIP = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Fatalf("clientIP with XFF = %q", got)
	}
}
