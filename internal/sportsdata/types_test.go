package sportsdata

import "testing"

func TestCloneDetachesNestedValues(t *testing.T) {
	src := Payload{
		"game":  map[string]any{"g1": map[string]any{"score": float64(1)}},
		"list":  []any{map[string]any{"k": "v"}},
		"plain": "x",
	}
	dst := Clone(src)

	AsMap(AsMap(dst["game"])["g1"])["score"] = float64(9)
	AsMap(AsSlice(dst["list"])[0])["k"] = "w"

	if got := AsMap(AsMap(src["game"])["g1"])["score"]; got != float64(1) {
		t.Fatalf("nested map shared after Clone: %v", got)
	}
	if got := AsMap(AsSlice(src["list"])[0])["k"]; got != "v" {
		t.Fatalf("nested slice element shared after Clone: %v", got)
	}
	if dst["plain"] != "x" {
		t.Fatalf("scalar lost: %v", dst["plain"])
	}
}

func TestCloneNil(t *testing.T) {
	if Clone(nil) != nil {
		t.Fatal("Clone(nil) must be nil")
	}
}
