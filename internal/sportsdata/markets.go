package sportsdata

import (
	"strings"
)

// OddsRow is one selectable outcome of a game's main market.
type OddsRow struct {
	Label   string  `json:"label"`
	Price   float64 `json:"price"`
	Blocked bool    `json:"blocked"`
}

// Main-market fallback priority lists. Football-like sports carry draw
// markets; everything else is a two-way market family.
var (
	footballPriority = []string{"P1XP2", "W1XW2", "1X2", "MATCH_RESULT", "MATCHRESULT"}
	twoWayPriority   = []string{"P1P2", "P1XP2", "W1W2", "W1XW2"}
)

// FallbackPriority returns the static main-market priority list for a sport.
func FallbackPriority(sportName string) []string {
	name := strings.ToLower(sportName)
	if strings.Contains(name, "soccer") || strings.Contains(name, "football") {
		return footballPriority
	}
	return twoWayPriority
}

// MergePriority prepends a dynamically fetched priority list to the static
// fallback, dropping duplicates while preserving order. The dynamic list may
// legitimately be empty; the fallback is always appended.
func MergePriority(dynamic, fallback []string) []string {
	seen := make(map[string]bool, len(dynamic)+len(fallback))
	out := make([]string, 0, len(dynamic)+len(fallback))
	for _, list := range [][]string{dynamic, fallback} {
		for _, t := range list {
			key := strings.ToUpper(strings.TrimSpace(t))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// SelectMainMarket picks the highest-priority market from a game's market
// map. Matching is case-insensitive against both type and display_key.
// Returns nil when no market matches any priority entry.
func SelectMainMarket(game Payload, priority []string) Payload {
	markets := AsMap(game["market"])
	if len(markets) == 0 {
		return nil
	}
	for _, want := range priority {
		for _, key := range sortedKeys(markets) {
			market := AsMap(markets[key])
			if market == nil {
				continue
			}
			mtype := strings.ToUpper(Str(market, "type"))
			dkey := strings.ToUpper(Str(market, "display_key"))
			if mtype == want || dkey == want {
				return market
			}
		}
	}
	return nil
}

// BuildOdds renders a main market as a 2- or 3-way odds sequence with labels
// {1, 2} or {1, X, 2}. Label resolution, in order:
//
//  1. event type P1/P2/X maps directly
//  2. event name "x" or containing "draw" maps to X
//  3. positional: first -> 1, middle (of three) -> X, last -> 2
//
// Returns nil when the market has neither 2 nor 3 events.
func BuildOdds(market Payload) []OddsRow {
	refs := orderedEvents(market)
	if len(refs) != 2 && len(refs) != 3 {
		return nil
	}

	rows := make([]OddsRow, len(refs))
	assigned := make(map[string]bool, 3)

	for i, ref := range refs {
		price, _ := Num(ref.raw, "price")
		blocked, _ := Bool(ref.raw, "base_blocked")
		if !blocked {
			blocked, _ = Bool(ref.raw, "blocked")
		}
		rows[i] = OddsRow{
			Label:   resolveLabel(ref.raw, i, len(refs), assigned),
			Price:   price,
			Blocked: blocked,
		}
	}
	return rows
}

func resolveLabel(ev Payload, pos, total int, assigned map[string]bool) string {
	label := ""
	switch strings.ToUpper(Str(ev, "type")) {
	case "P1", "W1":
		label = "1"
	case "P2", "W2":
		label = "2"
	case "X":
		label = "X"
	}

	if label == "" {
		name := strings.ToLower(Str(ev, "name"))
		if name == "x" || strings.Contains(name, "draw") {
			label = "X"
		}
	}

	if label == "" || assigned[label] {
		label = positionalLabel(pos, total)
	}
	assigned[label] = true
	return label
}

func positionalLabel(pos, total int) string {
	if total == 3 {
		switch pos {
		case 0:
			return "1"
		case 1:
			return "X"
		default:
			return "2"
		}
	}
	if pos == 0 {
		return "1"
	}
	return "2"
}
