package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dob-edge/feedhub/internal/config"
)

// resultsClient is the thin pass-through to the read-only results backend.
// Responses are decoded only far enough to re-wrap them in the edge's
// envelope; the hub adds no semantics of its own here.
type resultsClient struct {
	base   string
	client *http.Client
}

func newResultsClient(cfg *config.Config) *resultsClient {
	return &resultsClient{
		base:   strings.TrimRight(cfg.ResultsURL, "/"),
		client: &http.Client{Timeout: cfg.ResultsTimeout},
	}
}

func (c *resultsClient) get(r *http.Request, path string, query url.Values) (json.RawMessage, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("results backend returned %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("results backend returned invalid JSON")
	}
	return body, nil
}

// rangeQuery forwards the optional from/to window.
func rangeQuery(r *http.Request) url.Values {
	q := url.Values{}
	if from := r.URL.Query().Get("from"); from != "" {
		q.Set("from", from)
	}
	if to := r.URL.Query().Get("to"); to != "" {
		q.Set("to", to)
	}
	return q
}

func (s *Server) handleResultsCompetitions(w http.ResponseWriter, r *http.Request) {
	data, err := s.results.get(r, "/competitions", rangeQuery(r))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Results competitions fetch failed")
		writeError(w, http.StatusInternalServerError, "results unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleResultsGames(w http.ResponseWriter, r *http.Request) {
	sportID := r.PathValue("sportId")
	if sportID == "" {
		writeError(w, http.StatusBadRequest, "sportId is required")
		return
	}
	data, err := s.results.get(r, "/games/"+url.PathEscape(sportID), rangeQuery(r))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Results games fetch failed")
		writeError(w, http.StatusInternalServerError, "results unavailable")
		return
	}

	// The backend returns a bare game list; count it for the envelope.
	var games []json.RawMessage
	count := 0
	if err := json.Unmarshal(data, &games); err == nil {
		count = len(games)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sportId":   sportID,
		"count":     count,
		"games":     data,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleResultsGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("gameId")
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "gameId is required")
		return
	}
	data, err := s.results.get(r, "/game/"+url.PathEscape(gameID), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Results game fetch failed")
		writeError(w, http.StatusInternalServerError, "results unavailable")
		return
	}

	// Settlements live under "settlements" when the backend provides them.
	var parsed map[string]json.RawMessage
	var settlements json.RawMessage
	if err := json.Unmarshal(data, &parsed); err == nil {
		settlements = parsed["settlements"]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"gameId":      gameID,
		"settlements": settlements,
		"raw":         data,
		"timestamp":   time.Now().UnixMilli(),
	})
}
