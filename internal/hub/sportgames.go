package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dob-edge/feedhub/internal/feed"
	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// Group modes.
const (
	ModeLive     = "live"
	ModePrematch = "prematch"
)

// featuredWindow bounds the secondary prematch odds subscription to games
// kicking off soon.
const featuredWindow = time.Hour

var gameListFields = []any{
	"id", "type", "start_ts", "team1_name", "team2_name",
	"is_blocked", "is_live", "is_outright", "show_type", "text_info",
	"last_event", "markets_count", "visible_in_prematch",
	"sport_id", "region_id", "competition_id", "info",
}

type gamesPayload struct {
	SportID     string               `json:"sportId"`
	SportName   string               `json:"sportName"`
	Data        []sportsdata.Payload `json:"data"`
	LastUpdated int64                `json:"last_updated"`
}

// sportGroup carries the authoritative game list for one sport in one mode.
//
//	live:     an upstream subscription pushes the list; games are filtered
//	          to in-play, non-outright, not-finished.
//	prematch: the list is polled every PrematchPoll; a secondary featured
//	          subscription pushes odds for games near kickoff.
//
// Either way the odds engine maintains per-game main-market odds alongside.
type sportGroup struct {
	*groupCore
	mode      string
	sportID   string
	sportName string
	engine    *oddsEngine

	mu            sync.Mutex
	gamesSubID    string
	featuredSubID string
	lastFp        string

	pollOnce sync.Once
	pollStop chan struct{}
}

func newSportGroup(core *groupCore, mode, sportID, sportName string) *sportGroup {
	return &sportGroup{
		groupCore: core,
		mode:      mode,
		sportID:   sportID,
		sportName: sportName,
		engine:    newOddsEngine(core, mode, sportID, sportName, ""),
		pollStop:  make(chan struct{}),
	}
}

func (g *sportGroup) start(ctx context.Context) {
	h := g.hub
	if err := h.session.Ensure(ctx); err != nil {
		g.log.Error().Err(err).Msg("Sport group could not reach upstream")
		g.emitError("upstream unavailable")
		return
	}

	g.mu.Lock()
	g.gamesSubID, g.featuredSubID = "", ""
	g.mu.Unlock()

	if g.mode == ModeLive {
		g.subscribeLiveGames(ctx)
	} else {
		g.subscribeFeatured(ctx)
		g.pollOnce.Do(func() { go g.pollLoop(ctx) })
		h.pool.Submit(func() { g.poll(ctx) })
	}
	g.engine.start(ctx)
}

func (g *sportGroup) gamesWhere() sportsdata.Payload {
	where := sportsdata.Payload{"sport": sportsdata.Payload{"id": g.sportID}}
	if g.mode == ModeLive {
		where["game"] = sportsdata.Payload{"type": 1}
	} else {
		where["game"] = sportsdata.Payload{"type": sportsdata.Payload{"@in": []any{0, 2}}}
	}
	return where
}

func gamesWhat() sportsdata.Payload {
	return sportsdata.Payload{
		"sport":       []any{"id", "name", "alias"},
		"region":      []any{"id", "name"},
		"competition": []any{"id", "name"},
		"game":        gameListFields,
	}
}

func (g *sportGroup) subscribeLiveGames(ctx context.Context) {
	h := g.hub
	subID, initial, err := h.session.Subscribe(ctx, gamesWhat(), g.gamesWhere(),
		func(_, acc sportsdata.Payload) { g.handleGames(acc) }, h.cfg.RequestTimeout)
	if err != nil {
		g.log.Error().Err(err).Msg("Sport games subscribe failed")
		g.emitError("games subscription unavailable")
		return
	}
	g.mu.Lock()
	g.gamesSubID = subID
	g.mu.Unlock()
	g.handleGames(initial)
}

// subscribeFeatured opens the prematch group's secondary subscription:
// odds for games starting within the featured window arrive pushed instead
// of waiting for the cursor to come around.
func (g *sportGroup) subscribeFeatured(ctx context.Context) {
	h := g.hub
	what := sportsdata.Payload{
		"game":   oddsGameFields,
		"market": oddsMarketFields,
		"event":  oddsEventFields,
	}
	where := sportsdata.Payload{
		"sport": sportsdata.Payload{"id": g.sportID},
		"game": sportsdata.Payload{
			"type":     sportsdata.Payload{"@in": []any{0, 2}},
			"start_ts": sportsdata.Payload{"@lt": time.Now().Add(featuredWindow).Unix()},
		},
	}
	subID, initial, err := h.session.Subscribe(ctx, what, where,
		func(_, acc sportsdata.Payload) { g.engine.handleDoc(acc) }, h.cfg.RequestTimeout)
	if err != nil {
		if !errors.Is(err, feed.ErrSubscribeFailed) {
			g.log.Warn().Err(err).Msg("Featured odds subscribe failed")
		}
		return
	}
	g.mu.Lock()
	g.featuredSubID = subID
	g.mu.Unlock()
	g.engine.handleDoc(initial)
}

func (g *sportGroup) pollLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(g.log, "prematch_poll", nil)
	ticker := time.NewTicker(g.hub.cfg.PrematchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.hub.pool.Submit(func() { g.poll(ctx) })
		case <-g.pollStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *sportGroup) poll(ctx context.Context) {
	h := g.hub
	doc, err := h.session.Fetch(ctx, gamesWhat(), g.gamesWhere(), h.cfg.SnapshotTimeout)
	if err != nil {
		g.log.Debug().Err(err).Msg("Prematch games poll failed")
		return
	}
	g.handleGames(doc)
}

// handleGames filters, fingerprints and emits one games document.
func (g *sportGroup) handleGames(doc sportsdata.Payload) {
	all := sportsdata.ExtractGames(doc)
	keep := make([]sportsdata.Game, 0, len(all))
	for _, game := range all {
		if g.mode == ModeLive {
			if sportsdata.KeepLive(game.Raw) {
				keep = append(keep, game)
			}
		} else if sportsdata.KeepPrematch(game.Raw) {
			keep = append(keep, game)
		}
	}

	fp := sportsdata.SportFingerprint(keep)
	g.mu.Lock()
	changed := fp != g.lastFp
	if changed {
		g.lastFp = fp
	}
	g.mu.Unlock()

	g.engine.setGames(keep)
	if !changed {
		monitoring.EmissionSkipped(g.kind)
		return
	}

	data := make([]sportsdata.Payload, 0, len(keep))
	for _, game := range keep {
		data = append(data, g.projectGame(game))
	}
	g.emit("games", gamesPayload{
		SportID:     g.sportID,
		SportName:   g.displayName(),
		Data:        data,
		LastUpdated: time.Now().UnixMilli(),
	})
}

func (g *sportGroup) displayName() string {
	if name := g.hub.hier.SportName(g.sportID); name != "" {
		return name
	}
	return g.sportName
}

// projectGame flattens one extracted game into the wire shape: the raw
// fields plus hierarchy ids and resolved names.
func (g *sportGroup) projectGame(game sportsdata.Game) sportsdata.Payload {
	hier := g.hub.hier
	out := make(sportsdata.Payload, len(game.Raw)+6)
	for k, v := range game.Raw {
		out[k] = v
	}
	out["id"] = game.ID
	out["sport_id"] = game.SportID
	out["region_id"] = game.RegionID
	out["competition_id"] = game.CompetitionID
	out["sport"] = g.displayName()
	if name := hier.RegionName(game.RegionID); name != "" {
		out["region"] = name
	}
	if name := hier.CompetitionName(game.CompetitionID); name != "" {
		out["competition"] = name
	}
	return out
}

func (g *sportGroup) shutdown(ctx context.Context) {
	select {
	case <-g.pollStop:
	default:
		close(g.pollStop)
	}

	g.mu.Lock()
	gamesID, featuredID := g.gamesSubID, g.featuredSubID
	g.gamesSubID, g.featuredSubID = "", ""
	g.mu.Unlock()

	if gamesID != "" {
		_ = g.hub.session.Unsubscribe(ctx, gamesID)
	}
	if featuredID != "" {
		_ = g.hub.session.Unsubscribe(ctx, featuredID)
	}
	g.engine.shutdown(ctx)
}
