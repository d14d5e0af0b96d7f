package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sse"
)

// Group kinds.
const (
	kindCounts      = "counts"
	kindSportGames  = "sport-games"
	kindGame        = "game"
	kindCompetition = "competition-odds"
)

var readyComment = sse.CommentFrame("ready")

// group is the hub-facing contract every group kind implements.
type group interface {
	core() *groupCore

	// start establishes the group's upstream state. It runs asynchronously
	// after creation and again after a session loss (the registry has been
	// cleared, held subscription ids are stale); it must tolerate re-runs.
	start(ctx context.Context)

	// shutdown cancels upstream subscriptions and stops the group's timers.
	// Runs after the group has been removed from the hub's table.
	shutdown(ctx context.Context)
}

// groupCore carries what every group kind shares: the broadcaster, the
// attach-time replay buffer and the grace timer.
//
// Replay buffer: the most recent frame per event name. A new subscriber
// receives, in order: a ~2 KiB padding comment, a ready comment, then the
// replay frames in fixed event order (counts, games, odds). This bounds
// time-to-first-data by one round trip regardless of upstream cadence.
type groupCore struct {
	kind string
	key  string
	hub  *Hub
	log  zerolog.Logger
	bc   *sse.Broadcaster

	mu          sync.Mutex
	replay      map[string][]byte
	replayOrder []string
	closed      bool

	// graceGen invalidates a pending grace timer when a subscriber returns
	// or a new timer supersedes it. Cleanup never depends on the stored
	// handle still being the current one.
	graceGen   uint64
	graceTimer *time.Timer

	// canRetire, when set, vetoes a grace expiry. The counts singleton uses
	// it to stay alive while live sport-games groups exist.
	canRetire func() bool
}

func newGroupCore(h *Hub, kind, key string) *groupCore {
	g := &groupCore{
		kind:   kind,
		key:    key,
		hub:    h,
		log:    h.logger.With().Str("group", kind+":"+key).Logger(),
		replay: make(map[string][]byte),
	}
	g.bc = sse.NewBroadcaster(kind+":"+key, h.logger)
	g.bc.SetOnEmpty(g.startGrace)
	g.bc.StartHeartbeat(h.cfg.Heartbeat)
	return g
}

func (g *groupCore) core() *groupCore { return g }

// replayRank fixes the attach-replay order: counts first, then the games
// snapshot, then odds. Ties keep first-emission order.
func replayRank(event string) int {
	switch event {
	case "live_counts", "prematch_counts", "counts":
		return 0
	case "games", "game":
		return 1
	case "odds":
		return 2
	default:
		return 3
	}
}

// attach adds a subscriber and replays the retained payloads. The replay is
// enqueued atomically with the attach so a broadcast racing the attach cannot
// deliver a newer frame ahead of the retained snapshot.
func (g *groupCore) attach(c *sse.Client) {
	g.cancelGrace()

	g.mu.Lock()
	events := make([]string, len(g.replayOrder))
	copy(events, g.replayOrder)
	sort.SliceStable(events, func(i, j int) bool {
		return replayRank(events[i]) < replayRank(events[j])
	})
	frames := make([][]byte, 0, len(events)+2)
	frames = append(frames, sse.PaddingComment, readyComment)
	for _, event := range events {
		frames = append(frames, g.replay[event])
	}
	g.mu.Unlock()

	g.bc.AttachWithReplay(c, frames...)
}

// detach removes a subscriber; the broadcaster starts grace when the group
// empties.
func (g *groupCore) detach(clientID, reason string) {
	g.bc.Detach(clientID, reason)
}

// emit broadcasts a named event and retains its frame for attach replay.
func (g *groupCore) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("Failed to marshal emission")
		return
	}
	frame := sse.EventFrame(event, data)

	g.mu.Lock()
	if _, seen := g.replay[event]; !seen {
		g.replayOrder = append(g.replayOrder, event)
	}
	g.replay[event] = frame
	g.mu.Unlock()

	g.bc.Broadcast(frame, event)
	monitoring.Emission(g.kind)
	g.hub.mirror.Publish(g.kind, g.key, event, data)
}

// emitNoReplay broadcasts a named event without retaining it. Incremental
// odds updates use it: their attach replay is the coalesced snapshot, not
// the last delta.
func (g *groupCore) emitNoReplay(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("Failed to marshal emission")
		return
	}
	g.bc.Broadcast(sse.EventFrame(event, data), event)
	monitoring.Emission(g.kind)
	g.hub.mirror.Publish(g.kind, g.key, event, data)
}

// setReplay retains a frame for attach replay without broadcasting it.
// Used by the odds snapshot pass, which rebuilds the replay payload on a
// slower cadence than live updates.
func (g *groupCore) setReplay(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := sse.EventFrame(event, data)
	g.mu.Lock()
	if _, seen := g.replay[event]; !seen {
		g.replayOrder = append(g.replayOrder, event)
	}
	g.replay[event] = frame
	g.mu.Unlock()
}

// emitError surfaces a non-fatal failure to attached subscribers. Errors
// are not retained for replay.
func (g *groupCore) emitError(msg string) {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return
	}
	g.bc.Broadcast(sse.EventFrame("error", data), "error")
}

// startGrace arms the teardown timer. If no subscriber returns within the
// grace period the hub removes the group and cancels its upstream
// subscriptions.
func (g *groupCore) startGrace() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.graceGen++
	gen := g.graceGen
	if g.graceTimer != nil {
		g.graceTimer.Stop()
	}
	g.graceTimer = time.AfterFunc(g.hub.cfg.GracePeriod, func() {
		g.graceExpired(gen)
	})
	g.mu.Unlock()

	g.log.Debug().Dur("grace", g.hub.cfg.GracePeriod).Msg("Group empty, grace timer started")
}

func (g *groupCore) graceExpired(gen uint64) {
	g.mu.Lock()
	stale := gen != g.graceGen || g.closed
	g.mu.Unlock()
	if stale || g.bc.Count() > 0 {
		return
	}
	if g.canRetire != nil && !g.canRetire() {
		return
	}
	g.hub.retire(g.kind, g.key)
}

// cancelGrace invalidates any pending grace timer.
func (g *groupCore) cancelGrace() {
	g.mu.Lock()
	g.graceGen++
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	g.mu.Unlock()
}

// closeCore stops the timers and drops every subscriber. Called from each
// kind's shutdown path.
func (g *groupCore) closeCore() {
	g.mu.Lock()
	g.closed = true
	g.graceGen++
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	g.mu.Unlock()
	g.bc.Close()
}
