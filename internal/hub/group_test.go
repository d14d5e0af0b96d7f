package hub

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/config"
	"github.com/dob-edge/feedhub/internal/feed"
	"github.com/dob-edge/feedhub/internal/hierarchy"
	"github.com/dob-edge/feedhub/internal/sportsdata"
	"github.com/dob-edge/feedhub/internal/sse"
)

// newTestHub wires a hub over an unconnected upstream session. Group starts
// fail fast against the dead endpoint; lifecycle behaviour (grace timers,
// retirement, attach replay) does not depend on upstream state.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	nop := zerolog.Nop()
	cfg := &config.Config{
		ConnectTimeout:    time.Second,
		RequestTimeout:    time.Second,
		SnapshotTimeout:   time.Second,
		GracePeriod:       100 * time.Millisecond,
		Heartbeat:         time.Hour,
		CountsWatchdog:    time.Hour,
		PrematchPoll:      time.Hour,
		OddsCursorPeriod:  time.Hour,
		OddsSnapshotTick:  time.Hour,
		OddsRefreshAge:    time.Minute,
		OddsCacheMax:      100,
		OddsCacheTTL:      time.Hour,
		OddsChunk:         10,
		MarketPriorityTTL: time.Hour,
		PollWorkers:       2,
		PollQueueSize:     16,
	}
	session := feed.NewSession(feed.SessionConfig{
		URL:            "ws://127.0.0.1:1/feed",
		ConnectTimeout: time.Second,
	}, nop)
	hier := hierarchy.NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		return sportsdata.Payload{}, nil
	}, nil, nop)
	h := New(cfg, session, hier, nil, nop)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func drainFrames(c *sse.Client) []string {
	var out []string
	for {
		select {
		case f := <-c.Frames():
			out = append(out, string(f))
		default:
			return out
		}
	}
}

func TestGraceExpiryRetiresGroup(t *testing.T) {
	h := newTestHub(t)

	att := h.AttachGame("g1", sse.NewClient())
	if h.GroupCount() != 1 {
		t.Fatalf("groups = %d, want 1", h.GroupCount())
	}

	att.Close(sse.ReasonCancelled)
	waitFor(t, 2*time.Second, func() bool { return h.GroupCount() == 0 })
}

func TestReattachCancelsGrace(t *testing.T) {
	h := newTestHub(t)

	first := h.AttachGame("g1", sse.NewClient())
	first.Close(sse.ReasonCancelled)

	// A subscriber returning within the grace period keeps the group.
	second := h.AttachGame("g1", sse.NewClient())
	time.Sleep(300 * time.Millisecond)
	if h.GroupCount() != 1 {
		t.Fatal("group retired despite an active subscriber")
	}

	second.Close(sse.ReasonCancelled)
	waitFor(t, 2*time.Second, func() bool { return h.GroupCount() == 0 })
}

func TestCountsOutlivesLiveSportGroups(t *testing.T) {
	h := newTestHub(t)

	sport := h.AttachSport(ModeLive, "1", "Soccer", sse.NewClient())
	counts := h.AttachCounts(sse.NewClient())
	if h.GroupCount() != 2 {
		t.Fatalf("groups = %d, want 2", h.GroupCount())
	}

	// The counts singleton ignores its own grace expiry while a live
	// sport-games group exists: those groups receive counts fan-out.
	counts.Close(sse.ReasonCancelled)
	time.Sleep(300 * time.Millisecond)
	if h.lookup(kindCounts, "all") == nil {
		t.Fatal("counts group retired while a live sport group existed")
	}

	// Retiring the last live sport group frees the counts singleton too.
	sport.Close(sse.ReasonCancelled)
	waitFor(t, 2*time.Second, func() bool { return h.GroupCount() == 0 })
}

func TestAttachReplayFixedOrder(t *testing.T) {
	h := newTestHub(t)
	g := newGroupCore(h, kindSportGames, "live:9")
	defer g.closeCore()

	// Emission order is upstream-driven; replay order must not follow it.
	g.emit("odds", map[string]any{"rows": []any{}})
	g.emit("games", map[string]any{"games": []any{}})
	g.emit("counts", map[string]any{"sports": []any{}})

	c := sse.NewClient()
	g.attach(c)

	frames := drainFrames(c)
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want padding+ready+3 replays", len(frames))
	}
	if !strings.HasPrefix(frames[1], ": ready") {
		t.Fatalf("frame 1 = %q", frames[1])
	}
	for i, event := range []string{"counts", "games", "odds"} {
		if !strings.HasPrefix(frames[2+i], "event: "+event+"\n") {
			t.Fatalf("replay %d = %q, want event %q", i, frames[2+i], event)
		}
	}
}

func TestAttachReplaysLatestFrame(t *testing.T) {
	h := newTestHub(t)
	g := newGroupCore(h, kindGame, "g1")
	defer g.closeCore()

	g.emit("game", map[string]any{"seq": 1})
	g.emit("game", map[string]any{"seq": 2})

	c := sse.NewClient()
	g.attach(c)

	frames := drainFrames(c)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want padding+ready+1 replay", len(frames))
	}
	if !strings.Contains(frames[2], `"seq":2`) {
		t.Fatalf("replay = %q, want the latest frame", frames[2])
	}
}
