package feed

import (
	"reflect"
	"testing"

	"github.com/dob-edge/feedhub/internal/sportsdata"
)

func TestMergeNullDeletes(t *testing.T) {
	state := sportsdata.Payload{"a": "keep", "b": "drop"}
	got := Merge(state, sportsdata.Payload{"b": nil})
	want := sportsdata.Payload{"a": "keep"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMergeRecursive(t *testing.T) {
	state := sportsdata.Payload{
		"game": sportsdata.Payload{
			"1": sportsdata.Payload{"score": float64(0), "clock": "00:00"},
		},
	}
	delta := sportsdata.Payload{
		"game": sportsdata.Payload{
			"1": sportsdata.Payload{"score": float64(1)},
		},
	}
	got := Merge(state, delta)
	game := sportsdata.AsMap(sportsdata.AsMap(got["game"])["1"])
	if game["score"] != float64(1) || game["clock"] != "00:00" {
		t.Fatalf("recursive merge lost fields: %v", game)
	}
}

func TestMergeSequenceReplaces(t *testing.T) {
	state := sportsdata.Payload{"list": []any{"a", "b", "c"}}
	got := Merge(state, sportsdata.Payload{"list": []any{"z"}})
	if !reflect.DeepEqual(got["list"], []any{"z"}) {
		t.Fatalf("sequence not replaced: %v", got["list"])
	}
}

func TestMergeScalarReplaces(t *testing.T) {
	got := Merge(sportsdata.Payload{"price": float64(1.5)}, sportsdata.Payload{"price": float64(1.55)})
	if got["price"] != float64(1.55) {
		t.Fatalf("scalar not replaced: %v", got["price"])
	}
}

func TestMergeNestedDelete(t *testing.T) {
	state := sportsdata.Payload{
		"market": sportsdata.Payload{
			"m1": sportsdata.Payload{"price": float64(2)},
			"m2": sportsdata.Payload{"price": float64(3)},
		},
	}
	got := Merge(state, sportsdata.Payload{"market": sportsdata.Payload{"m1": nil}})
	markets := sportsdata.AsMap(got["market"])
	if _, ok := markets["m1"]; ok {
		t.Fatal("nested null did not delete")
	}
	if _, ok := markets["m2"]; !ok {
		t.Fatal("sibling lost during delete")
	}
}

func TestMergeIdempotent(t *testing.T) {
	base := func() sportsdata.Payload {
		return sportsdata.Payload{
			"a": float64(1),
			"b": sportsdata.Payload{"c": "x", "d": []any{float64(1), float64(2)}},
		}
	}
	once := Merge(sportsdata.Payload{}, base())
	twice := Merge(once, base())
	if !reflect.DeepEqual(twice, base()) {
		t.Fatalf("merge not idempotent: %v", twice)
	}
}

func TestMergeIntoNilState(t *testing.T) {
	got := Merge(nil, sportsdata.Payload{"a": "b"})
	if got["a"] != "b" {
		t.Fatalf("nil state merge failed: %v", got)
	}
}
