package metrics

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(nil, time.Second, zerolog.Nop())
}

func TestReportAccumulatesTotals(t *testing.T) {
	a := newTestAggregator()
	a.Report("g1", 10, 1, 3, true)
	a.Report("g1", 5, 0, 3, true)

	r := a.Snapshot()
	if r.Totals.Messages != 15 {
		t.Fatalf("messages = %d, want 15", r.Totals.Messages)
	}
	if r.Totals.ParseErrors != 1 {
		t.Fatalf("parse errors = %d, want 1", r.Totals.ParseErrors)
	}
	if r.MessagesLast60s != 15 {
		t.Fatalf("last60s = %d, want 15", r.MessagesLast60s)
	}
}

func TestRollups(t *testing.T) {
	a := newTestAggregator()
	a.Report("g1", 1, 0, 4, true)
	a.Report("g2", 1, 0, 2, false)
	a.Report("g3", 1, 0, 0, true) // connected but idle

	r := a.Snapshot()
	if r.ActiveGames != 2 {
		t.Fatalf("active games = %d, want 2", r.ActiveGames)
	}
	if r.ActiveSubscribers != 6 {
		t.Fatalf("active subscribers = %d, want 6", r.ActiveSubscribers)
	}
	if r.ConnectedGames != 2 {
		t.Fatalf("connected games = %d, want 2", r.ConnectedGames)
	}
}

func TestExpiredLeasePrunedOnRead(t *testing.T) {
	a := newTestAggregator()
	a.Report("g1", 1, 0, 5, true)

	// Force the lease into the past.
	a.mu.Lock()
	lease := a.leases["g1"]
	lease.ExpiresAtMs = time.Now().Add(-time.Second).UnixMilli()
	a.leases["g1"] = lease
	a.mu.Unlock()

	r := a.Snapshot()
	if r.ActiveGames != 0 || r.ActiveSubscribers != 0 {
		t.Fatalf("expired lease still counted: %+v", r)
	}

	a.mu.Lock()
	_, ok := a.leases["g1"]
	a.mu.Unlock()
	if ok {
		t.Fatal("expired lease not pruned")
	}
}

func TestDropLease(t *testing.T) {
	a := newTestAggregator()
	a.Report("g1", 1, 0, 5, true)
	a.DropLease("g1")

	if r := a.Snapshot(); r.ActiveGames != 0 {
		t.Fatalf("dropped lease still counted: %+v", r)
	}
}

func TestZeroMessageReportRenewsLease(t *testing.T) {
	a := newTestAggregator()
	a.Report("g1", 0, 0, 2, true)
	if r := a.Snapshot(); r.ActiveGames != 1 {
		t.Fatalf("idle report did not create lease: %+v", r)
	}
}
