package hub

import (
	"context"
	"sync"
	"time"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// countsPayload is the body of live_counts / prematch_counts / counts events.
type countsPayload struct {
	Sports     []sportsdata.SportCount `json:"sports"`
	TotalGames int64                   `json:"total_games"`
}

// countsGroup is the singleton carrying per-sport game counts. It holds two
// upstream subscriptions (live and prematch counts) and fans emissions out
// both to its own subscribers and to every live sport-games group.
//
// It is kept alive while any counts subscriber or any live sport-games group
// exists; grace expiry is vetoed until both are gone.
type countsGroup struct {
	*groupCore

	mu            sync.Mutex
	liveSubID     string
	prematchSubID string
	liveFp        string
	prematchFp    string

	watchdogOnce sync.Once
	watchdogStop chan struct{}
}

func newCountsGroup(core *groupCore) *countsGroup {
	g := &countsGroup{
		groupCore:    core,
		watchdogStop: make(chan struct{}),
	}
	core.canRetire = func() bool {
		return !core.hub.hasLiveSportGroups()
	}
	return g
}

var countsWhat = sportsdata.Payload{
	"sport": []any{"id", "name", "alias"},
	"game":  "@count",
}

func liveCountsWhere() sportsdata.Payload {
	return sportsdata.Payload{"game": sportsdata.Payload{"type": 1}}
}

func prematchCountsWhere() sportsdata.Payload {
	return sportsdata.Payload{"game": sportsdata.Payload{"type": sportsdata.Payload{"@in": []any{0, 2}}}}
}

func (g *countsGroup) start(ctx context.Context) {
	h := g.hub
	if err := h.session.Ensure(ctx); err != nil {
		g.log.Error().Err(err).Msg("Counts group could not reach upstream")
		g.emitError("upstream unavailable")
		return
	}

	// Stale ids from a previous session die with it.
	g.mu.Lock()
	g.liveSubID, g.prematchSubID = "", ""
	g.mu.Unlock()

	liveID, liveInitial, err := h.session.Subscribe(ctx, countsWhat, liveCountsWhere(),
		func(_, acc sportsdata.Payload) { g.handleLive(acc) }, h.cfg.RequestTimeout)
	if err != nil {
		g.log.Error().Err(err).Msg("Live counts subscribe failed")
		g.emitError("live counts unavailable")
	} else {
		g.mu.Lock()
		g.liveSubID = liveID
		g.mu.Unlock()
		g.handleLive(liveInitial)
	}

	preID, preInitial, err := h.session.Subscribe(ctx, countsWhat, prematchCountsWhere(),
		func(_, acc sportsdata.Payload) { g.handlePrematch(acc) }, h.cfg.RequestTimeout)
	if err != nil {
		g.log.Error().Err(err).Msg("Prematch counts subscribe failed")
		g.emitError("prematch counts unavailable")
	} else {
		g.mu.Lock()
		g.prematchSubID = preID
		g.mu.Unlock()
		g.handlePrematch(preInitial)
	}

	g.watchdogOnce.Do(func() { go g.watchdog(ctx) })
}

// watchdog re-issues one-shot counts queries on a fixed cadence. A stagnant
// subscription (feed stops pushing deltas without closing) is detected
// because the one-shot result runs through the same fingerprint gate.
func (g *countsGroup) watchdog(ctx context.Context) {
	defer monitoring.RecoverPanic(g.log, "counts_watchdog", nil)
	ticker := time.NewTicker(g.hub.cfg.CountsWatchdog)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if g.bc.Count() == 0 && !g.hub.hasLiveSportGroups() {
				continue
			}
			g.hub.pool.Submit(func() { g.probe(ctx) })
		case <-g.watchdogStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *countsGroup) probe(ctx context.Context) {
	h := g.hub
	if doc, err := h.session.Fetch(ctx, countsWhat, liveCountsWhere(), h.cfg.SnapshotTimeout); err == nil {
		g.handleLive(doc)
	}
	if doc, err := h.session.Fetch(ctx, countsWhat, prematchCountsWhere(), h.cfg.SnapshotTimeout); err == nil {
		g.handlePrematch(doc)
	}
}

func (g *countsGroup) handleLive(doc sportsdata.Payload) {
	counts, total := extractCounts(doc)
	fp := sportsdata.CountsFingerprint(counts)

	g.mu.Lock()
	changed := fp != g.liveFp
	if changed {
		g.liveFp = fp
	}
	g.mu.Unlock()
	if !changed {
		monitoring.EmissionSkipped(kindCounts)
		return
	}

	payload := countsPayload{Sports: counts, TotalGames: total}
	g.emit("live_counts", payload)
	g.hub.forEachLiveSportGroup(func(sg *sportGroup) {
		sg.emit("counts", payload)
	})
}

func (g *countsGroup) handlePrematch(doc sportsdata.Payload) {
	counts, total := extractCounts(doc)
	fp := sportsdata.CountsFingerprint(counts)

	g.mu.Lock()
	changed := fp != g.prematchFp
	if changed {
		g.prematchFp = fp
	}
	g.mu.Unlock()
	if !changed {
		monitoring.EmissionSkipped(kindCounts)
		return
	}

	payload := countsPayload{Sports: counts, TotalGames: total}
	g.emit("prematch_counts", payload)
	g.hub.forEachLiveSportGroup(func(sg *sportGroup) {
		sg.emit("prematch_counts", payload)
	})
}

// extractCounts reads per-sport game counts from a counts document. The
// count is the sport's "game" field when numeric, otherwise the size of its
// game map.
func extractCounts(doc sportsdata.Payload) ([]sportsdata.SportCount, int64) {
	sports := sportsdata.AsMap(sportsdata.Unwrap(doc)["sport"])
	if len(sports) == 0 {
		return nil, 0
	}
	var out []sportsdata.SportCount
	var total int64
	for _, v := range sports {
		sport := sportsdata.AsMap(v)
		if sport == nil {
			continue
		}
		name := sportsdata.Str(sport, "name")
		if name == "" {
			continue
		}
		var count int64
		if n, ok := sportsdata.Int(sport, "game"); ok {
			count = n
		} else {
			count = int64(len(sportsdata.AsMap(sport["game"])))
		}
		out = append(out, sportsdata.SportCount{Name: name, Count: count})
		total += count
	}
	return out, total
}

func (g *countsGroup) shutdown(ctx context.Context) {
	close(g.watchdogStop)

	g.mu.Lock()
	liveID, preID := g.liveSubID, g.prematchSubID
	g.liveSubID, g.prematchSubID = "", ""
	g.mu.Unlock()

	if liveID != "" {
		_ = g.hub.session.Unsubscribe(ctx, liveID)
	}
	if preID != "" {
		_ = g.hub.session.Unsubscribe(ctx, preID)
	}
}
