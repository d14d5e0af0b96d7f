package hierarchy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/sportsdata"
	"github.com/dob-edge/feedhub/internal/store"
)

// storeKey is the durable-store slot for the cached taxonomy.
const storeKey = "hierarchy"

// FetchFunc retrieves the full sport/region/competition taxonomy upstream.
type FetchFunc func(ctx context.Context) (sportsdata.Payload, error)

// persisted is the durable shape: {cachedAtMs, data}.
type persisted struct {
	CachedAtMs int64              `json:"cachedAtMs"`
	Data       sportsdata.Payload `json:"data"`
}

// Cache is the process-local taxonomy cache with a stale-while-revalidate
// policy: past the TTL a refresh is attempted, but a refresh that returns
// zero sports (feed glitch) leaves the previous document in place.
//
// Derived name and alias maps are rebuilt whenever the underlying document
// is replaced.
type Cache struct {
	ttl    time.Duration
	fetch  FetchFunc
	st     *store.Store
	logger zerolog.Logger

	mu       sync.Mutex
	doc      sportsdata.Payload
	cachedAt time.Time
	names    *nameIndex
}

type nameIndex struct {
	sports       map[string]string
	sportAliases map[string]string
	regions      map[string]string
	competitions map[string]string
}

func NewCache(ttl time.Duration, fetch FetchFunc, st *store.Store, logger zerolog.Logger) *Cache {
	c := &Cache{
		ttl:    ttl,
		fetch:  fetch,
		st:     st,
		logger: logger.With().Str("component", "hierarchy").Logger(),
	}
	c.loadPersisted()
	return c
}

func (c *Cache) loadPersisted() {
	if c.st == nil {
		return
	}
	var p persisted
	ok, err := c.st.Get(storeKey, &p)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load persisted hierarchy")
		return
	}
	if ok && len(p.Data) > 0 {
		c.mu.Lock()
		c.doc = p.Data
		c.cachedAt = time.UnixMilli(p.CachedAtMs)
		c.names = nil
		c.mu.Unlock()
		c.logger.Info().Time("cached_at", time.UnixMilli(p.CachedAtMs)).Msg("Loaded hierarchy from store")
	}
}

// Document returns the taxonomy and whether it was served from cache.
// forceRefresh bypasses the TTL check (a failed forced refresh still falls
// back to the cached copy).
func (c *Cache) Document(ctx context.Context, forceRefresh bool) (sportsdata.Payload, bool, error) {
	c.mu.Lock()
	doc := c.doc
	fresh := doc != nil && time.Since(c.cachedAt) < c.ttl
	c.mu.Unlock()

	if fresh && !forceRefresh {
		return doc, true, nil
	}

	next, err := c.fetch(ctx)
	if err != nil || countSports(next) == 0 {
		// Stale-while-revalidate: a glitchy refresh keeps the old document.
		if doc != nil {
			if err != nil {
				c.logger.Warn().Err(err).Msg("Hierarchy refresh failed, serving stale")
			} else {
				c.logger.Warn().Msg("Hierarchy refresh returned zero sports, serving stale")
			}
			return doc, true, nil
		}
		return nil, false, err
	}

	c.mu.Lock()
	c.doc = next
	c.cachedAt = time.Now()
	c.names = nil // derived maps die with the document they came from
	c.mu.Unlock()

	if c.st != nil {
		if err := c.st.Put(storeKey, persisted{CachedAtMs: time.Now().UnixMilli(), Data: next}); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to persist hierarchy")
		}
	}
	return next, false, nil
}

func countSports(doc sportsdata.Payload) int {
	if doc == nil {
		return 0
	}
	return len(sportsdata.AsMap(sportsdata.Unwrap(doc)["sport"]))
}

// index returns the derived name maps, building them on first use after a
// document replacement.
func (c *Cache) index() *nameIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names != nil {
		return c.names
	}
	c.names = buildIndex(c.doc)
	return c.names
}

func buildIndex(doc sportsdata.Payload) *nameIndex {
	idx := &nameIndex{
		sports:       make(map[string]string),
		sportAliases: make(map[string]string),
		regions:      make(map[string]string),
		competitions: make(map[string]string),
	}
	if doc == nil {
		return idx
	}
	sports := sportsdata.AsMap(sportsdata.Unwrap(doc)["sport"])
	for sportKey, sv := range sports {
		sport := sportsdata.AsMap(sv)
		if sport == nil {
			continue
		}
		sportID := firstNonEmpty(sportsdata.Str(sport, "id"), sportKey)
		idx.sports[sportID] = sportsdata.Str(sport, "name")
		idx.sportAliases[sportID] = sportsdata.Str(sport, "alias")

		regions := sportsdata.AsMap(sport["region"])
		for regionKey, rv := range regions {
			region := sportsdata.AsMap(rv)
			if region == nil {
				continue
			}
			regionID := firstNonEmpty(sportsdata.Str(region, "id"), regionKey)
			idx.regions[regionID] = sportsdata.Str(region, "name")

			comps := sportsdata.AsMap(region["competition"])
			for compKey, cv := range comps {
				comp := sportsdata.AsMap(cv)
				if comp == nil {
					continue
				}
				compID := firstNonEmpty(sportsdata.Str(comp, "id"), compKey)
				idx.competitions[compID] = sportsdata.Str(comp, "name")
			}
		}
	}
	return idx
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SportName resolves a sport id to its display name ("" when unknown).
func (c *Cache) SportName(id string) string { return c.index().sports[id] }

// SportAlias resolves a sport id to its alias.
func (c *Cache) SportAlias(id string) string { return c.index().sportAliases[id] }

// RegionName resolves a region id.
func (c *Cache) RegionName(id string) string { return c.index().regions[id] }

// CompetitionName resolves a competition id.
func (c *Cache) CompetitionName(id string) string { return c.index().competitions[id] }
