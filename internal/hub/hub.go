package hub

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/config"
	"github.com/dob-edge/feedhub/internal/feed"
	"github.com/dob-edge/feedhub/internal/hierarchy"
	"github.com/dob-edge/feedhub/internal/mirror"
	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
	"github.com/dob-edge/feedhub/internal/sse"
)

// Hub owns the group table: five group kinds keyed by a natural string,
// each aggregating overlapping client interests into shared upstream
// subscriptions. Groups are created on first attach, kept warm for the
// grace period after their last detach, then torn down.
type Hub struct {
	cfg     *config.Config
	logger  zerolog.Logger
	session *feed.Session
	hier    *hierarchy.Cache
	mirror  *mirror.Mirror
	pool    *workerPool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	groups map[string]group

	prioMu     sync.Mutex
	priorities map[string]prioEntry

	reconnectMu  sync.Mutex
	reconnecting bool
}

type prioEntry struct {
	list      []string
	fetchedAt time.Time
}

func New(cfg *config.Config, session *feed.Session, hier *hierarchy.Cache, mir *mirror.Mirror, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		logger:     logger.With().Str("component", "hub").Logger(),
		session:    session,
		hier:       hier,
		mirror:     mir,
		pool:       newWorkerPool(cfg.PollWorkers, cfg.PollQueueSize, logger),
		ctx:        ctx,
		cancel:     cancel,
		groups:     make(map[string]group),
		priorities: make(map[string]prioEntry),
	}
	h.pool.Start(ctx)
	session.SetOnDown(h.onSessionDown)
	return h
}

// Attachment is a client's membership in one group. Close detaches the
// client; the group outlives it by the grace period.
type Attachment struct {
	clientID string
	g        *groupCore
}

func (a *Attachment) Close(reason string) {
	a.g.detach(a.clientID, reason)
}

func groupID(kind, key string) string {
	return kind + ":" + key
}

// getOrCreate returns the group under (kind, key), building and starting it
// on first use. build receives the prepared core; start runs asynchronously
// so attach latency never includes an upstream round trip.
func (h *Hub) getOrCreate(kind, key string, build func(*groupCore) group) group {
	id := groupID(kind, key)

	h.mu.Lock()
	if g, ok := h.groups[id]; ok {
		h.mu.Unlock()
		return g
	}
	g := build(newGroupCore(h, kind, key))
	h.groups[id] = g
	h.mu.Unlock()

	monitoring.GroupOpened(kind)
	h.logger.Info().Str("group", id).Msg("Group created")
	go g.start(h.ctx)
	return g
}

func (h *Hub) lookup(kind, key string) group {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.groups[groupID(kind, key)]
}

// retire removes a group whose grace period expired and cancels its
// upstream subscriptions.
func (h *Hub) retire(kind, key string) {
	id := groupID(kind, key)

	h.mu.Lock()
	g, ok := h.groups[id]
	if ok {
		delete(h.groups, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	monitoring.GroupClosed(kind)
	h.logger.Info().Str("group", id).Msg("Group retired")

	g.core().closeCore()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SnapshotTimeout)
		defer cancel()
		g.shutdown(ctx)
	}()

	// The counts singleton is kept alive by live sport-games groups as well
	// as by its own subscribers; retiring a live sport group may free it.
	if kind == kindSportGames && strings.HasPrefix(key, ModeLive+":") {
		h.nudgeCounts()
	}
}

func (h *Hub) nudgeCounts() {
	if g := h.lookup(kindCounts, "all"); g != nil && g.core().bc.Count() == 0 {
		g.core().startGrace()
	}
}

// hasLiveSportGroups reports whether any live sport-games group exists.
func (h *Hub) hasLiveSportGroups() bool {
	prefix := groupID(kindSportGames, ModeLive+":")
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.groups {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// forEachLiveSportGroup runs fn over current live sport-games groups. One-way
// iteration only: counts fans out to live groups, never the reverse.
func (h *Hub) forEachLiveSportGroup(fn func(*sportGroup)) {
	prefix := groupID(kindSportGames, ModeLive+":")
	h.mu.Lock()
	var targets []*sportGroup
	for id, g := range h.groups {
		if strings.HasPrefix(id, prefix) {
			if sg, ok := g.(*sportGroup); ok {
				targets = append(targets, sg)
			}
		}
	}
	h.mu.Unlock()
	for _, sg := range targets {
		fn(sg)
	}
}

// AttachCounts attaches a subscriber to the counts singleton.
func (h *Hub) AttachCounts(c *sse.Client) *Attachment {
	g := h.getOrCreate(kindCounts, "all", func(core *groupCore) group {
		return newCountsGroup(core)
	})
	g.core().attach(c)
	return &Attachment{clientID: c.ID, g: g.core()}
}

// AttachSport attaches a subscriber to a sport-games group. Live groups also
// receive counts emissions; attaching a live sport group therefore ensures
// the counts singleton exists.
func (h *Hub) AttachSport(mode, sportID, sportName string, c *sse.Client) *Attachment {
	if mode == ModeLive {
		h.getOrCreate(kindCounts, "all", func(core *groupCore) group {
			return newCountsGroup(core)
		})
	}
	g := h.getOrCreate(kindSportGames, mode+":"+sportID, func(core *groupCore) group {
		return newSportGroup(core, mode, sportID, sportName)
	})
	g.core().attach(c)
	return &Attachment{clientID: c.ID, g: g.core()}
}

// AttachGame attaches a subscriber to a per-game group.
func (h *Hub) AttachGame(gameID string, c *sse.Client) *Attachment {
	g := h.getOrCreate(kindGame, gameID, func(core *groupCore) group {
		return newGameGroup(core, gameID)
	})
	g.core().attach(c)
	return &Attachment{clientID: c.ID, g: g.core()}
}

// AttachCompetition attaches a subscriber to a per-competition odds group.
func (h *Hub) AttachCompetition(mode, sportID, competitionID, sportName string, c *sse.Client) *Attachment {
	g := h.getOrCreate(kindCompetition, mode+":"+competitionID, func(core *groupCore) group {
		return newCompetitionGroup(core, mode, sportID, competitionID, sportName)
	})
	g.core().attach(c)
	return &Attachment{clientID: c.ID, g: g.core()}
}

// onSessionDown runs after the upstream session has been torn down. Groups
// with subscribers are re-ensured: one reconnect loop re-establishes the
// session with backoff, then every group re-subscribes (new session, new
// subscription ids).
func (h *Hub) onSessionDown() {
	h.reconnectMu.Lock()
	if h.reconnecting {
		h.reconnectMu.Unlock()
		return
	}
	h.reconnecting = true
	h.reconnectMu.Unlock()

	go func() {
		defer monitoring.RecoverPanic(h.logger, "reconnect", nil)
		defer func() {
			h.reconnectMu.Lock()
			h.reconnecting = false
			h.reconnectMu.Unlock()
		}()

		backoff := time.Second
		for {
			if h.ctx.Err() != nil {
				return
			}
			if !h.anySubscribers() {
				h.logger.Info().Msg("No subscribers left, skipping reconnect")
				return
			}
			err := h.session.Ensure(h.ctx)
			if err == nil {
				break
			}
			h.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Upstream reconnect failed")
			select {
			case <-time.After(backoff):
			case <-h.ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}

		monitoring.UpstreamReconnect()
		h.logger.Info().Msg("Upstream session re-established, re-subscribing groups")

		h.mu.Lock()
		gs := make([]group, 0, len(h.groups))
		for _, g := range h.groups {
			gs = append(gs, g)
		}
		h.mu.Unlock()
		for _, g := range gs {
			go g.start(h.ctx)
		}
	}()
}

func (h *Hub) anySubscribers() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, g := range h.groups {
		if g.core().bc.Count() > 0 {
			return true
		}
	}
	return false
}

// marketPriority returns the main-market priority list for a sport:
// dynamically fetched types (cached 12 h) prepended to the static fallback.
// An empty or failed fetch falls back to the static list alone.
func (h *Hub) marketPriority(ctx context.Context, sportID, sportName string) []string {
	fallback := sportsdata.FallbackPriority(sportName)

	h.prioMu.Lock()
	if e, ok := h.priorities[sportID]; ok && time.Since(e.fetchedAt) < h.cfg.MarketPriorityTTL {
		h.prioMu.Unlock()
		return e.list
	}
	h.prioMu.Unlock()

	dynamic, err := h.fetchPriority(ctx, sportID)
	if err != nil {
		h.logger.Debug().Err(err).Str("sport_id", sportID).Msg("Dynamic market priority unavailable")
		return sportsdata.MergePriority(nil, fallback)
	}

	merged := sportsdata.MergePriority(dynamic, fallback)
	h.prioMu.Lock()
	h.priorities[sportID] = prioEntry{list: merged, fetchedAt: time.Now()}
	h.prioMu.Unlock()
	return merged
}

func (h *Hub) fetchPriority(ctx context.Context, sportID string) ([]string, error) {
	doc, err := h.session.Fetch(ctx,
		sportsdata.Payload{"market_type": []any{"type", "order"}},
		sportsdata.Payload{"sport": sportsdata.Payload{"id": sportID}},
		h.cfg.SnapshotTimeout,
	)
	if err != nil {
		return nil, err
	}
	return extractPriority(doc), nil
}

// extractPriority pulls ordered market types out of a market_type document.
func extractPriority(doc sportsdata.Payload) []string {
	types := sportsdata.AsMap(sportsdata.Unwrap(doc)["market_type"])
	if len(types) == 0 {
		return nil
	}
	type entry struct {
		typ   string
		order float64
	}
	var entries []entry
	for _, v := range types {
		m := sportsdata.AsMap(v)
		if m == nil {
			continue
		}
		t := sportsdata.Str(m, "type")
		if t == "" {
			continue
		}
		order, _ := sportsdata.Num(m, "order")
		entries = append(entries, entry{typ: t, order: order})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].order != entries[j].order {
			return entries[i].order < entries[j].order
		}
		return entries[i].typ < entries[j].typ
	})
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.typ)
	}
	return out
}

// SessionHealth exposes the upstream counters for the health endpoint.
func (h *Hub) SessionHealth() (connected bool, total, parseErrors int64, rolling int) {
	total, parseErrors, rolling = h.session.Health()
	return h.session.Connected(), total, parseErrors, rolling
}

// GroupCount returns the number of live groups.
func (h *Hub) GroupCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups)
}

// Shutdown tears down every group and the upstream session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.cancel()

	h.mu.Lock()
	gs := make([]group, 0, len(h.groups))
	for _, g := range h.groups {
		gs = append(gs, g)
	}
	h.groups = make(map[string]group)
	h.mu.Unlock()

	for _, g := range gs {
		g.core().closeCore()
		g.shutdown(ctx)
	}
	h.session.Close()
	h.pool.Stop()
	h.logger.Info().Int("groups_closed", len(gs)).Msg("Hub shut down")
}
