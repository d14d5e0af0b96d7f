package hub

import (
	"context"
	"sync"
	"time"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// Field lists requested from the feed for odds-bearing subscriptions.
var (
	oddsGameFields   = []any{"id", "markets_count", "sport_id", "region_id", "competition_id"}
	oddsMarketFields = []any{"id", "type", "display_key", "name"}
	oddsEventFields  = []any{"id", "type", "name", "price", "base", "order"}
)

// oddsUpdate is one game's entry in an odds emission. Odds is null when the
// game has no main market.
type oddsUpdate struct {
	GameID       string               `json:"gameId"`
	Odds         []sportsdata.OddsRow `json:"odds"`
	MarketsCount int64                `json:"markets_count"`
}

type oddsPayload struct {
	SportID       string       `json:"sportId"`
	CompetitionID string       `json:"competitionId,omitempty"`
	Updates       []oddsUpdate `json:"updates"`
}

// oddsEngine maintains per-game main-market odds for one odds-bearing group
// (sport-games or per-competition). Mode selects the transport:
//
//	live:     one upstream subscription filtered to the sport's main market
//	          types; deltas arrive pushed.
//	prematch: cursor-driven polling, chunks of OddsChunk ids per tick, plus
//	          refresh of any cache entry older than OddsRefreshAge.
//
// Emissions carry only games whose (fingerprint, markets_count) changed.
// A coalesced snapshot is rebuilt from the cache at most every
// OddsSnapshotTick and retained as the group's attach replay.
type oddsEngine struct {
	g             *groupCore
	mode          string
	sportID       string
	sportName     string
	competitionID string

	mu         sync.Mutex
	cache      *oddsCache
	subID      string
	ids        []string
	cursor     int
	priority   []string
	tickerStop chan struct{}
	tickerOnce sync.Once
}

func newOddsEngine(g *groupCore, mode, sportID, sportName, competitionID string) *oddsEngine {
	return &oddsEngine{
		g:             g,
		mode:          mode,
		sportID:       sportID,
		sportName:     sportName,
		competitionID: competitionID,
		cache:         newOddsCache(g.hub.cfg.OddsCacheMax, g.hub.cfg.OddsCacheTTL),
		tickerStop:    make(chan struct{}),
	}
}

// scopeWhere returns the entity filter this engine is scoped to.
func (e *oddsEngine) scopeWhere() sportsdata.Payload {
	if e.competitionID != "" {
		return sportsdata.Payload{"competition": sportsdata.Payload{"id": e.competitionID}}
	}
	return sportsdata.Payload{"sport": sportsdata.Payload{"id": e.sportID}}
}

// start wires the engine's transport for its mode. Safe to re-run after a
// session loss.
func (e *oddsEngine) start(ctx context.Context) {
	h := e.g.hub
	priority := h.marketPriority(ctx, e.sportID, e.sportName)
	e.mu.Lock()
	e.priority = priority
	e.subID = ""
	e.mu.Unlock()

	if e.mode == ModeLive {
		e.startLive(ctx)
	}
	e.tickerOnce.Do(func() { go e.runTickers(ctx) })
}

func (e *oddsEngine) startLive(ctx context.Context) {
	h := e.g.hub

	where := e.scopeWhere()
	where["game"] = sportsdata.Payload{"type": 1}
	e.mu.Lock()
	prio := make([]any, 0, len(e.priority))
	for _, p := range e.priority {
		prio = append(prio, p)
	}
	e.mu.Unlock()
	if len(prio) > 0 {
		where["market"] = sportsdata.Payload{"type": sportsdata.Payload{"@in": prio}}
	}

	what := sportsdata.Payload{
		"game":   oddsGameFields,
		"market": oddsMarketFields,
		"event":  oddsEventFields,
	}

	subID, initial, err := h.session.Subscribe(ctx, what, where,
		func(_, acc sportsdata.Payload) { e.handleDoc(acc) }, h.cfg.RequestTimeout)
	if err != nil {
		e.g.log.Warn().Err(err).Msg("Odds subscribe failed, relying on poll path")
		e.g.emitError("odds subscription unavailable")
		return
	}
	e.mu.Lock()
	e.subID = subID
	e.mu.Unlock()
	e.handleDoc(initial)
}

// runTickers drives the prematch cursor and the snapshot rebuild. The cursor
// ticker only does work in prematch mode; the snapshot ticker runs for both.
func (e *oddsEngine) runTickers(ctx context.Context) {
	defer monitoring.RecoverPanic(e.g.log, "odds_tickers", nil)
	h := e.g.hub

	cursor := time.NewTicker(h.cfg.OddsCursorPeriod)
	defer cursor.Stop()
	snapshot := time.NewTicker(h.cfg.OddsSnapshotTick)
	defer snapshot.Stop()

	for {
		select {
		case <-cursor.C:
			if e.mode != ModePrematch {
				continue
			}
			chunk := e.nextChunk()
			if len(chunk) == 0 {
				continue
			}
			h.pool.Submit(func() { e.fetchChunk(ctx, chunk) })
		case <-snapshot.C:
			e.rebuildSnapshot()
		case <-e.tickerStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// nextChunk assembles the next cursor window: stale cache entries first
// (older than OddsRefreshAge), then fresh ids round-robin, capped at
// OddsChunk.
func (e *oddsEngine) nextChunk() []string {
	h := e.g.hub
	limit := h.cfg.OddsChunk
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, limit)
	chunk := make([]string, 0, limit)
	for _, id := range e.cache.StaleIDs(now, h.cfg.OddsRefreshAge) {
		if len(chunk) >= limit {
			break
		}
		if !seen[id] {
			seen[id] = true
			chunk = append(chunk, id)
		}
	}

	n := len(e.ids)
	for i := 0; i < n && len(chunk) < limit; i++ {
		id := e.ids[e.cursor%n]
		e.cursor++
		if !seen[id] {
			seen[id] = true
			chunk = append(chunk, id)
		}
	}
	return chunk
}

func (e *oddsEngine) fetchChunk(ctx context.Context, ids []string) {
	h := e.g.hub

	in := make([]any, 0, len(ids))
	for _, id := range ids {
		in = append(in, id)
	}
	what := sportsdata.Payload{
		"game":   oddsGameFields,
		"market": oddsMarketFields,
		"event":  oddsEventFields,
	}
	where := sportsdata.Payload{"game": sportsdata.Payload{"id": sportsdata.Payload{"@in": in}}}

	doc, err := h.session.Fetch(ctx, what, where, h.cfg.SnapshotTimeout)
	if err != nil {
		e.g.log.Debug().Err(err).Int("ids", len(ids)).Msg("Odds chunk fetch failed")
		return
	}
	e.handleDoc(doc)
}

// setGames replaces the engine's game id universe (cursor order). Entries
// for vanished games are left to age out through the TTL.
func (e *oddsEngine) setGames(games []sportsdata.Game) {
	ids := make([]string, 0, len(games))
	for _, g := range games {
		ids = append(ids, g.ID)
	}
	e.mu.Lock()
	e.ids = ids
	if e.cursor >= len(ids) {
		e.cursor = 0
	}
	e.mu.Unlock()
}

// handleDoc runs one odds document through the fingerprint gate and emits
// the games that changed. Frames are chunked so one emission never carries
// more than OddsChunk games.
func (e *oddsEngine) handleDoc(doc sportsdata.Payload) {
	games := sportsdata.ExtractGames(doc)
	if len(games) == 0 {
		return
	}
	now := time.Now()

	e.mu.Lock()
	priority := e.priority
	var updates []oddsUpdate
	for _, g := range games {
		count, _ := sportsdata.Int(g.Raw, "markets_count")
		market := sportsdata.SelectMainMarket(g.Raw, priority)

		var fp string
		var odds []sportsdata.OddsRow
		if market != nil {
			fp = sportsdata.OddsFingerprint(market)
			odds = sportsdata.BuildOdds(market)
		}
		if e.cache.Update(g.ID, fp, count, odds, now) {
			updates = append(updates, oddsUpdate{GameID: g.ID, Odds: odds, MarketsCount: count})
		}
	}
	e.cache.Prune(now)
	cacheLen := e.cache.Len()
	e.mu.Unlock()

	monitoring.OddsCacheSize(cacheLen)
	if len(updates) == 0 {
		monitoring.EmissionSkipped(e.g.kind)
		return
	}

	limit := e.g.hub.cfg.OddsChunk
	for start := 0; start < len(updates); start += limit {
		end := start + limit
		if end > len(updates) {
			end = len(updates)
		}
		e.g.emitNoReplay("odds", oddsPayload{
			SportID:       e.sportID,
			CompetitionID: e.competitionID,
			Updates:       updates[start:end],
		})
	}
}

// rebuildSnapshot coalesces the cache into one odds payload and retains it
// as the group's attach replay for the odds event.
func (e *oddsEngine) rebuildSnapshot() {
	e.mu.Lock()
	ids := e.cache.GameIDs()
	updates := make([]oddsUpdate, 0, len(ids))
	for _, id := range ids {
		entry := e.cache.Get(id)
		if entry == nil {
			continue
		}
		updates = append(updates, oddsUpdate{GameID: id, Odds: entry.Odds, MarketsCount: entry.MarketsCount})
	}
	e.mu.Unlock()

	if len(updates) == 0 {
		return
	}
	e.g.setReplay("odds", oddsPayload{
		SportID:       e.sportID,
		CompetitionID: e.competitionID,
		Updates:       updates,
	})
}

func (e *oddsEngine) shutdown(ctx context.Context) {
	e.mu.Lock()
	subID := e.subID
	e.subID = ""
	select {
	case <-e.tickerStop:
	default:
		close(e.tickerStop)
	}
	e.mu.Unlock()

	if subID != "" {
		_ = e.g.hub.session.Unsubscribe(ctx, subID)
	}
}
