package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/store"
)

const (
	storeKey = "metrics"

	// bucketWindow is the length of the per-second rolling series.
	bucketWindow = 60

	// leaseTTL is how long a proxy lease stays valid without renewal.
	// Proxies report every 5 s, so three missed reports expire the lease.
	leaseTTL = 15 * time.Second
)

// HealthLease asserts that one live-tracker instance is serving subscribers.
// It expires unless renewed by the instance's periodic report.
type HealthLease struct {
	SSEClients        int   `json:"sseClients"`
	UpstreamConnected bool  `json:"upstreamConnected"`
	ExpiresAtMs       int64 `json:"expiresAt"`
}

// Totals are the all-time counters.
type Totals struct {
	Messages    int64 `json:"messages"`
	ParseErrors int64 `json:"parseErrors"`
	LastSeenMs  int64 `json:"lastSeen"`
}

// bucket is one second of activity.
type bucket struct {
	Second      int64 `json:"second"`
	Messages    int64 `json:"messages"`
	ParseErrors int64 `json:"parseErrors"`
}

// Rollups is the derived health view served to callers.
type Rollups struct {
	Totals            Totals `json:"totals"`
	MessagesLast60s   int64  `json:"messagesLast60s"`
	ActiveGames       int    `json:"activeGames"`
	ActiveSubscribers int    `json:"activeSubscribers"`
	ConnectedGames    int    `json:"connectedGames"`
}

// persisted is the durable shape: {totals, buckets, leases}.
type persisted struct {
	Totals  Totals                 `json:"totals"`
	Buckets []bucket               `json:"buckets"`
	Leases  map[string]HealthLease `json:"leases"`
}

// Aggregator is the process singleton that collects live-tracker reports.
// Every method is fire-and-forget for callers: failures are logged, never
// returned, so a broken store can never affect feed correctness.
type Aggregator struct {
	st         *store.Store
	flushDelay time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	totals  Totals
	buckets [bucketWindow]bucket
	leases  map[string]HealthLease

	flushTimer *time.Timer
}

func NewAggregator(st *store.Store, flushDelay time.Duration, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		st:         st,
		flushDelay: flushDelay,
		logger:     logger.With().Str("component", "metrics").Logger(),
		leases:     make(map[string]HealthLease),
	}
	a.loadPersisted()
	return a
}

func (a *Aggregator) loadPersisted() {
	if a.st == nil {
		return
	}
	var p persisted
	ok, err := a.st.Get(storeKey, &p)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to load persisted metrics")
		return
	}
	if !ok {
		return
	}
	a.mu.Lock()
	a.totals = p.Totals
	for _, b := range p.Buckets {
		a.buckets[b.Second%bucketWindow] = b
	}
	if p.Leases != nil {
		a.leases = p.Leases
	}
	a.mu.Unlock()
}

// Report records one batch from a live-tracker instance and renews its
// lease. Zero-message reports still renew the lease: an idle but connected
// proxy is healthy.
func (a *Aggregator) Report(gameID string, messages, parseErrors int, sseClients int, upstreamConnected bool) {
	now := time.Now()

	a.mu.Lock()
	a.totals.Messages += int64(messages)
	a.totals.ParseErrors += int64(parseErrors)
	a.totals.LastSeenMs = now.UnixMilli()

	sec := now.Unix()
	b := &a.buckets[sec%bucketWindow]
	if b.Second != sec {
		// Slot belongs to an expired second, reclaim it.
		*b = bucket{Second: sec}
	}
	b.Messages += int64(messages)
	b.ParseErrors += int64(parseErrors)

	a.leases[gameID] = HealthLease{
		SSEClients:        sseClients,
		UpstreamConnected: upstreamConnected,
		ExpiresAtMs:       now.Add(leaseTTL).UnixMilli(),
	}
	a.mu.Unlock()

	a.scheduleFlush()
}

// DropLease removes a game's lease immediately (proxy shut down cleanly).
func (a *Aggregator) DropLease(gameID string) {
	a.mu.Lock()
	delete(a.leases, gameID)
	a.mu.Unlock()
	a.scheduleFlush()
}

// Snapshot prunes expired leases and returns the derived rollups.
func (a *Aggregator) Snapshot() Rollups {
	now := time.Now()
	cutoff := now.Unix() - bucketWindow

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, lease := range a.leases {
		if lease.ExpiresAtMs <= now.UnixMilli() {
			delete(a.leases, id)
		}
	}

	r := Rollups{Totals: a.totals}
	for _, b := range a.buckets {
		if b.Second > cutoff {
			r.MessagesLast60s += b.Messages
		}
	}
	for _, lease := range a.leases {
		if lease.SSEClients > 0 {
			r.ActiveGames++
			r.ActiveSubscribers += lease.SSEClients
		}
		if lease.UpstreamConnected {
			r.ConnectedGames++
		}
	}
	return r
}

// scheduleFlush arms the coalescing flush alarm. At most one flush runs per
// flushDelay regardless of report rate.
func (a *Aggregator) scheduleFlush() {
	if a.st == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushTimer != nil {
		return
	}
	a.flushTimer = time.AfterFunc(a.flushDelay, a.flush)
}

func (a *Aggregator) flush() {
	defer monitoring.RecoverPanic(a.logger, "metrics-flush", nil)

	a.mu.Lock()
	a.flushTimer = nil
	p := persisted{
		Totals: a.totals,
		Leases: make(map[string]HealthLease, len(a.leases)),
	}
	cutoff := time.Now().Unix() - bucketWindow
	for _, b := range a.buckets {
		if b.Second > cutoff {
			p.Buckets = append(p.Buckets, b)
		}
	}
	for id, lease := range a.leases {
		p.Leases[id] = lease
	}
	a.mu.Unlock()

	err := a.st.Put(storeKey, p)
	monitoring.StoreFlush(err)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Metrics flush failed")
	}
}

// Close flushes any pending state synchronously.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	a.mu.Unlock()
	if a.st != nil {
		a.flush()
	}
}
