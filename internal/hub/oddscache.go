package hub

import (
	"sort"
	"time"

	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
)

// oddsEntry is the last odds state sent for one game.
type oddsEntry struct {
	Odds         []sportsdata.OddsRow
	MarketsCount int64
	Fp           string
	UpdatedAt    time.Time
}

// oddsCache holds the last-sent odds per game for one group. Not safe for
// concurrent use; the owning engine serialises access under its own lock.
//
// Bounds are enforced opportunistically by Prune: TTL first, then
// oldest-by-update-time down to max.
type oddsCache struct {
	max     int
	ttl     time.Duration
	entries map[string]*oddsEntry
}

func newOddsCache(max int, ttl time.Duration) *oddsCache {
	return &oddsCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]*oddsEntry),
	}
}

// Update records one game's odds and reports whether they differ from the
// cached state. The comparison is (fingerprint, markets_count): a changed
// market count alone still emits. Unchanged entries get their timestamp
// refreshed so they age from last sighting, not last change.
func (c *oddsCache) Update(gameID, fp string, marketsCount int64, odds []sportsdata.OddsRow, now time.Time) bool {
	prev, ok := c.entries[gameID]
	if ok && prev.Fp == fp && prev.MarketsCount == marketsCount {
		prev.UpdatedAt = now
		return false
	}
	c.entries[gameID] = &oddsEntry{
		Odds:         odds,
		MarketsCount: marketsCount,
		Fp:           fp,
		UpdatedAt:    now,
	}
	return true
}

// Get returns the cached entry for a game, or nil.
func (c *oddsCache) Get(gameID string) *oddsEntry {
	return c.entries[gameID]
}

// Remove drops a game's entry.
func (c *oddsCache) Remove(gameID string) {
	delete(c.entries, gameID)
}

// Len returns the entry count.
func (c *oddsCache) Len() int {
	return len(c.entries)
}

// StaleIDs returns game ids whose entry is older than age, oldest first.
func (c *oddsCache) StaleIDs(now time.Time, age time.Duration) []string {
	var out []string
	cutoff := now.Add(-age)
	for id, e := range c.entries {
		if e.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return c.entries[out[i]].UpdatedAt.Before(c.entries[out[j]].UpdatedAt)
	})
	return out
}

// GameIDs returns all cached game ids, sorted for determinism.
func (c *oddsCache) GameIDs() []string {
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prune enforces the cache bounds: entries past TTL are dropped, then if
// still over max the oldest-by-update-time go until the cache fits.
func (c *oddsCache) Prune(now time.Time) {
	ttlEvicted := 0
	cutoff := now.Add(-c.ttl)
	for id, e := range c.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(c.entries, id)
			ttlEvicted++
		}
	}
	if ttlEvicted > 0 {
		monitoring.OddsCacheEvicted("ttl", ttlEvicted)
	}

	over := len(c.entries) - c.max
	if over <= 0 {
		return
	}
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.entries[ids[i]].UpdatedAt.Before(c.entries[ids[j]].UpdatedAt)
	})
	for _, id := range ids[:over] {
		delete(c.entries, id)
	}
	monitoring.OddsCacheEvicted("capacity", over)
}
