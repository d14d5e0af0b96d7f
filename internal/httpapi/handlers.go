package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Status      string         `json:"status"`
	LiveTracker map[string]any `json:"live_tracker"`
	SwarmWS     map[string]any `json:"swarm_ws"`
	System      map[string]any `json:"system"`
	Timestamp   int64          `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected, total, parseErrors, rolling := s.hub.SessionHealth()
	rollups := s.agg.Snapshot()

	resp := healthResponse{
		Status: "ok",
		LiveTracker: map[string]any{
			"active_games":       rollups.ActiveGames,
			"active_subscribers": rollups.ActiveSubscribers,
			"connected_games":    rollups.ConnectedGames,
			"messages_total":     rollups.Totals.Messages,
			"parse_errors":       rollups.Totals.ParseErrors,
			"messages_last_60s":  rollups.MessagesLast60s,
			"proxies":            s.tracker.Count(),
		},
		SwarmWS: map[string]any{
			"connected":         connected,
			"messages_total":    total,
			"parse_errors":      parseErrors,
			"messages_last_60s": rolling,
			"groups":            s.hub.GroupCount(),
		},
		System:    systemInfo(),
		Timestamp: time.Now().UnixMilli(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// systemInfo reports coarse host health. Failures degrade to partial info;
// the endpoint never errors because of them.
func systemInfo() map[string]any {
	info := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_used_percent"] = vm.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		info["cpu_percent"] = pcts[0]
	}
	return info
}

func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	doc, cached, err := s.hier.Document(r.Context(), refresh)
	if err != nil {
		s.logger.Error().Err(err).Msg("Hierarchy fetch failed")
		writeError(w, http.StatusInternalServerError, "hierarchy unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cached":    cached,
		"data":      doc,
		"timestamp": time.Now().UnixMilli(),
	})
}
