package hub

import (
	"context"
	"sync"
	"time"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// competitionGroup serves main-market odds scoped to one competition. Same
// contract as the sport-level odds engine, narrower filter; the UI uses it
// to hydrate an expanded competition node without subscribing to the whole
// sport.
type competitionGroup struct {
	*groupCore
	mode          string
	sportID       string
	competitionID string
	sportName     string
	engine        *oddsEngine

	mu         sync.Mutex
	gamesSubID string

	pollOnce sync.Once
	pollStop chan struct{}
}

func newCompetitionGroup(core *groupCore, mode, sportID, competitionID, sportName string) *competitionGroup {
	return &competitionGroup{
		groupCore:     core,
		mode:          mode,
		sportID:       sportID,
		competitionID: competitionID,
		sportName:     sportName,
		engine:        newOddsEngine(core, mode, sportID, sportName, competitionID),
		pollStop:      make(chan struct{}),
	}
}

func (g *competitionGroup) gamesWhere() sportsdata.Payload {
	where := sportsdata.Payload{"competition": sportsdata.Payload{"id": g.competitionID}}
	if g.mode == ModeLive {
		where["game"] = sportsdata.Payload{"type": 1}
	} else {
		where["game"] = sportsdata.Payload{"type": sportsdata.Payload{"@in": []any{0, 2}}}
	}
	return where
}

func (g *competitionGroup) start(ctx context.Context) {
	h := g.hub
	if err := h.session.Ensure(ctx); err != nil {
		g.log.Error().Err(err).Msg("Competition group could not reach upstream")
		g.emitError("upstream unavailable")
		return
	}

	g.mu.Lock()
	g.gamesSubID = ""
	g.mu.Unlock()

	if g.mode == ModeLive {
		g.subscribeGameList(ctx)
	} else {
		// Prematch: the engine's cursor needs the competition's game ids;
		// poll the list on the same cadence as sport-level prematch.
		g.pollOnce.Do(func() { go g.pollLoop(ctx) })
		h.pool.Submit(func() { g.poll(ctx) })
	}
	g.engine.start(ctx)
}

// subscribeGameList keeps the engine's id universe current for live mode.
// Odds themselves arrive through the engine's own filtered subscription.
func (g *competitionGroup) subscribeGameList(ctx context.Context) {
	h := g.hub
	what := sportsdata.Payload{"game": []any{"id", "markets_count", "type"}}
	subID, initial, err := h.session.Subscribe(ctx, what, g.gamesWhere(),
		func(_, acc sportsdata.Payload) { g.engine.setGames(sportsdata.ExtractGames(acc)) },
		h.cfg.RequestTimeout)
	if err != nil {
		g.log.Warn().Err(err).Msg("Competition game list subscribe failed")
		return
	}
	g.mu.Lock()
	g.gamesSubID = subID
	g.mu.Unlock()
	g.engine.setGames(sportsdata.ExtractGames(initial))
}

func (g *competitionGroup) pollLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(g.log, "competition_poll", nil)
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

func (g *competitionGroup) poll(ctx context.Context) {
	h := g.hub
	what := sportsdata.Payload{"game": []any{"id", "markets_count", "type", "start_ts"}}
	doc, err := h.session.Fetch(ctx, what, g.gamesWhere(), h.cfg.SnapshotTimeout)
	if err != nil {
		g.log.Debug().Err(err).Msg("Competition game list poll failed")
		return
	}
	g.engine.setGames(sportsdata.ExtractGames(doc))
}

func (g *competitionGroup) shutdown(ctx context.Context) {
	select {
	case <-g.pollStop:
	default:
		close(g.pollStop)
	}

	g.mu.Lock()
	subID := g.gamesSubID
	g.gamesSubID = ""
	g.mu.Unlock()

	if subID != "" {
		_ = g.hub.session.Unsubscribe(ctx, subID)
	}
	g.engine.shutdown(ctx)
}
