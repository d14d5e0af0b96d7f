package hub

import (
	"testing"
	"time"

	"github.com/dob-edge/feedhub/internal/sportsdata"
)

func TestOddsCacheEmitOnChange(t *testing.T) {
	c := newOddsCache(10, time.Hour)
	now := time.Now()
	odds := []sportsdata.OddsRow{{Label: "1", Price: 1.5}}

	if !c.Update("g1", "fp-a", 3, odds, now) {
		t.Fatal("first sighting must emit")
	}
	if c.Update("g1", "fp-a", 3, odds, now.Add(time.Second)) {
		t.Fatal("unchanged entry must not emit")
	}
	if !c.Update("g1", "fp-b", 3, odds, now.Add(2*time.Second)) {
		t.Fatal("changed fingerprint must emit")
	}
	if !c.Update("g1", "fp-b", 4, odds, now.Add(3*time.Second)) {
		t.Fatal("changed markets_count must emit even with same fingerprint")
	}
}

func TestOddsCacheUnchangedRefreshesTimestamp(t *testing.T) {
	c := newOddsCache(10, time.Hour)
	t0 := time.Now()
	c.Update("g1", "fp", 1, nil, t0)
	c.Update("g1", "fp", 1, nil, t0.Add(time.Minute))

	// Aged from last sighting, not last change.
	if ids := c.StaleIDs(t0.Add(90*time.Second), time.Minute); len(ids) != 0 {
		t.Fatalf("refreshed entry reported stale: %v", ids)
	}
	if ids := c.StaleIDs(t0.Add(3*time.Minute), time.Minute); len(ids) != 1 {
		t.Fatalf("entry should be stale by now: %v", ids)
	}
}

func TestOddsCachePruneTTL(t *testing.T) {
	c := newOddsCache(10, time.Minute)
	now := time.Now()
	c.Update("old", "fp", 1, nil, now.Add(-2*time.Minute))
	c.Update("fresh", "fp", 1, nil, now)

	c.Prune(now)
	if c.Get("old") != nil {
		t.Fatal("expired entry survived prune")
	}
	if c.Get("fresh") == nil {
		t.Fatal("fresh entry dropped by prune")
	}
}

func TestOddsCachePruneCapacityOldestFirst(t *testing.T) {
	c := newOddsCache(2, time.Hour)
	now := time.Now()
	c.Update("a", "fp", 1, nil, now.Add(-3*time.Second))
	c.Update("b", "fp", 1, nil, now.Add(-2*time.Second))
	c.Update("c", "fp", 1, nil, now.Add(-1*time.Second))

	c.Prune(now)
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if c.Get("a") != nil {
		t.Fatal("oldest entry not evicted")
	}
	if c.Get("b") == nil || c.Get("c") == nil {
		t.Fatal("newer entries evicted")
	}
}

func TestOddsCacheStaleIDsOldestFirst(t *testing.T) {
	c := newOddsCache(10, time.Hour)
	now := time.Now()
	c.Update("newer", "fp", 1, nil, now.Add(-2*time.Minute))
	c.Update("oldest", "fp", 1, nil, now.Add(-5*time.Minute))
	c.Update("fresh", "fp", 1, nil, now)

	ids := c.StaleIDs(now, time.Minute)
	if len(ids) != 2 || ids[0] != "oldest" || ids[1] != "newer" {
		t.Fatalf("StaleIDs = %v", ids)
	}
}

func TestExtractPriority(t *testing.T) {
	doc := sportsdata.Payload{
		"market_type": sportsdata.Payload{
			"a": sportsdata.Payload{"type": "HANDICAP", "order": float64(2)},
			"b": sportsdata.Payload{"type": "P1XP2", "order": float64(1)},
			"c": sportsdata.Payload{"order": float64(0)}, // no type, skipped
		},
	}
	got := extractPriority(doc)
	if len(got) != 2 || got[0] != "P1XP2" || got[1] != "HANDICAP" {
		t.Fatalf("extractPriority = %v", got)
	}
}

func TestExtractPriorityEmpty(t *testing.T) {
	if got := extractPriority(sportsdata.Payload{}); got != nil {
		t.Fatalf("expected nil for empty doc, got %v", got)
	}
}

func TestExtractCounts(t *testing.T) {
	doc := sportsdata.Payload{
		"data": sportsdata.Payload{
			"sport": sportsdata.Payload{
				"1": sportsdata.Payload{"name": "Soccer", "game": float64(12)},
				"2": sportsdata.Payload{"name": "Tennis", "game": sportsdata.Payload{"a": sportsdata.Payload{}, "b": sportsdata.Payload{}}},
				"3": sportsdata.Payload{"game": float64(5)}, // nameless, skipped
			},
		},
	}
	counts, total := extractCounts(doc)
	if len(counts) != 2 {
		t.Fatalf("counts = %v", counts)
	}
	if total != 14 {
		t.Fatalf("total = %d, want 14", total)
	}
}
