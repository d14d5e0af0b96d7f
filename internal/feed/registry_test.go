package feed

import (
	"testing"

	"github.com/dob-edge/feedhub/internal/sportsdata"
)

func TestRegistryApplyDelta(t *testing.T) {
	r := NewRegistry()

	var gotDelta, gotAcc sportsdata.Payload
	r.Add("sub1", sportsdata.Payload{"score": float64(0)}, func(delta, acc sportsdata.Payload) {
		gotDelta, gotAcc = delta, acc
	})

	r.ApplyDelta("sub1", sportsdata.Payload{"score": float64(1)})

	if gotDelta["score"] != float64(1) {
		t.Fatalf("callback delta = %v", gotDelta)
	}
	if gotAcc["score"] != float64(1) {
		t.Fatalf("callback accumulated = %v", gotAcc)
	}
}

func TestRegistryUnknownIDIgnored(t *testing.T) {
	r := NewRegistry()
	// Deltas can race an unsubscribe; they must be dropped silently.
	r.ApplyDelta("ghost", sportsdata.Payload{"x": float64(1)})
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Add("sub1", nil, func(_, _ sportsdata.Payload) { called = true })
	r.Remove("sub1")
	r.ApplyDelta("sub1", sportsdata.Payload{"x": float64(1)})
	if called {
		t.Fatal("callback ran after remove")
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Add("a", nil, nil)
	r.Add("b", nil, nil)
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Len after Clear = %d", r.Len())
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("subscription survived Clear")
	}
}

func TestRegistryInitialSnapshotDetached(t *testing.T) {
	r := NewRegistry()
	initial := sportsdata.Payload{
		"game": map[string]any{"g1": map[string]any{"score": float64(0)}},
	}
	sub := r.Add("sub1", initial, nil)

	// Deltas merge into the registry's copy; the document handed in at
	// subscribe time stays readable from other goroutines untouched.
	r.ApplyDelta("sub1", sportsdata.Payload{
		"game": map[string]any{"g1": map[string]any{"score": float64(1)}},
	})

	orig := sportsdata.AsMap(sportsdata.AsMap(initial["game"])["g1"])
	if orig["score"] != float64(0) {
		t.Fatalf("initial snapshot mutated: %v", orig["score"])
	}
	merged := sportsdata.AsMap(sportsdata.AsMap(sub.State()["game"])["g1"])
	if merged["score"] != float64(1) {
		t.Fatalf("state = %v", merged["score"])
	}
}

func TestRegistryInitialSnapshotConcurrentRead(t *testing.T) {
	r := NewRegistry()
	initial := sportsdata.Payload{
		"game": map[string]any{"g1": map[string]any{"score": float64(0)}},
	}
	r.Add("sub1", initial, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			r.ApplyDelta("sub1", sportsdata.Payload{
				"game": map[string]any{"g1": map[string]any{"score": float64(i)}},
			})
		}
	}()
	for i := 0; i < 200; i++ {
		if sportsdata.AsMap(initial["game"]) == nil {
			t.Error("initial snapshot lost its game map")
		}
	}
	<-done
}

func TestRegistryStateAccumulates(t *testing.T) {
	r := NewRegistry()
	sub := r.Add("sub1", sportsdata.Payload{"a": "x"}, nil)
	r.ApplyDelta("sub1", sportsdata.Payload{"b": "y"})
	r.ApplyDelta("sub1", sportsdata.Payload{"a": nil})

	state := sub.State()
	if _, ok := state["a"]; ok {
		t.Fatal("deleted key survived")
	}
	if state["b"] != "y" {
		t.Fatalf("state = %v", state)
	}
}
