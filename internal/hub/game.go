package hub

import (
	"context"
	"sync"
	"time"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

var gameDetailFields = []any{
	"id", "type", "start_ts", "team1_name", "team2_name",
	"is_blocked", "is_live", "show_type", "text_info", "last_event",
	"markets_count", "sport_id", "region_id", "competition_id", "info", "stats",
}

type gamePayload struct {
	GameID      string             `json:"gameId"`
	Data        sportsdata.Payload `json:"data"`
	LastUpdated int64              `json:"last_updated"`
}

// gameGroup streams one game's full detail: game fields, markets and events.
// It prefers an upstream subscription; when the subscribe is rejected it
// falls back to polling every PrematchPoll and retries the subscribe at each
// tick.
type gameGroup struct {
	*groupCore
	gameID string

	mu      sync.Mutex
	subID   string
	lastFp  string
	polling bool

	pollOnce sync.Once
	pollStop chan struct{}
}

func newGameGroup(core *groupCore, gameID string) *gameGroup {
	return &gameGroup{
		groupCore: core,
		gameID:    gameID,
		pollStop:  make(chan struct{}),
	}
}

func gameWhat() sportsdata.Payload {
	return sportsdata.Payload{
		"game":   gameDetailFields,
		"market": []any{"id", "type", "display_key", "name", "order", "col_count"},
		"event":  []any{"id", "type", "name", "price", "base", "order"},
	}
}

func (g *gameGroup) where() sportsdata.Payload {
	return sportsdata.Payload{"game": sportsdata.Payload{"id": g.gameID}}
}

func (g *gameGroup) start(ctx context.Context) {
	h := g.hub
	if err := h.session.Ensure(ctx); err != nil {
		g.log.Error().Err(err).Msg("Game group could not reach upstream")
		g.emitError("upstream unavailable")
		return
	}

	g.mu.Lock()
	g.subID = ""
	g.mu.Unlock()

	g.trySubscribe(ctx)
}

// trySubscribe attempts the subscription; failure switches the group into
// polling mode until a later attempt succeeds.
func (g *gameGroup) trySubscribe(ctx context.Context) {
	h := g.hub
	subID, initial, err := h.session.Subscribe(ctx, gameWhat(), g.where(),
		func(_, acc sportsdata.Payload) { g.handleDoc(acc) }, h.cfg.RequestTimeout)
	if err != nil {
		g.log.Warn().Err(err).Msg("Game subscribe failed, falling back to polling")
		g.mu.Lock()
		g.polling = true
		g.mu.Unlock()
		g.pollOnce.Do(func() { go g.pollLoop(ctx) })
		return
	}

	g.mu.Lock()
	g.subID = subID
	g.polling = false
	g.mu.Unlock()
	g.handleDoc(initial)
}

func (g *gameGroup) pollLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(g.log, "game_poll", nil)
	ticker := time.NewTicker(g.hub.cfg.PrematchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			polling := g.polling
			g.mu.Unlock()
			if !polling {
				continue
			}
			g.hub.pool.Submit(func() {
				g.poll(ctx)
				g.trySubscribe(ctx)
			})
		case <-g.pollStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (g *gameGroup) poll(ctx context.Context) {
	h := g.hub
	doc, err := h.session.Fetch(ctx, gameWhat(), g.where(), h.cfg.SnapshotTimeout)
	if err != nil {
		g.log.Debug().Err(err).Msg("Game poll failed")
		return
	}
	g.handleDoc(doc)
}

func (g *gameGroup) handleDoc(doc sportsdata.Payload) {
	game := g.extractGame(doc)
	if game == nil {
		return
	}

	fp := sportsdata.GameFingerprint(game)
	g.mu.Lock()
	changed := fp != g.lastFp
	if changed {
		g.lastFp = fp
	}
	g.mu.Unlock()
	if !changed {
		monitoring.EmissionSkipped(g.kind)
		return
	}

	g.emit("game", gamePayload{
		GameID:      g.gameID,
		Data:        game,
		LastUpdated: time.Now().UnixMilli(),
	})
}

// extractGame finds this group's game in a document: first through the
// normal extraction shapes, then as a bare game object.
func (g *gameGroup) extractGame(doc sportsdata.Payload) sportsdata.Payload {
	for _, game := range sportsdata.ExtractGames(doc) {
		if game.ID == g.gameID {
			return game.Raw
		}
	}
	inner := sportsdata.Unwrap(doc)
	if inner == nil {
		return nil
	}
	if sportsdata.Str(inner, "id") == g.gameID {
		return inner
	}
	if m := sportsdata.AsMap(inner[g.gameID]); m != nil {
		return m
	}
	return nil
}

func (g *gameGroup) shutdown(ctx context.Context) {
	select {
	case <-g.pollStop:
	default:
		close(g.pollStop)
	}

	g.mu.Lock()
	subID := g.subID
	g.subID = ""
	g.mu.Unlock()

	if subID != "" {
		_ = g.hub.session.Unsubscribe(ctx, subID)
	}
}
