package sportsdata

import (
	"strings"
)

// Game is one extracted game together with the hierarchy ids it was found
// under. Fields mirror the feed's naming; Raw keeps the full entity so
// payload builders can project whatever they need.
type Game struct {
	ID            string
	SportID       string
	RegionID      string
	CompetitionID string
	Raw           Payload
}

// Unwrap peels the outer "data" wrapper. The feed wraps subscription
// snapshots either once ({data: {...}}) or twice ({data: {data: {...}}})
// depending on the command; peeling is deterministic: at most two layers,
// and only while the wrapper holds exactly the data key or the inner value
// is itself an object.
func Unwrap(doc Payload) Payload {
	for i := 0; i < 2; i++ {
		inner := AsMap(doc["data"])
		if inner == nil {
			break
		}
		doc = inner
	}
	return doc
}

// entityKeys are the fields whose presence marks a value as a direct entity
// rather than an id reference into a sibling map.
var entityKeys = []string{"name", "game", "competition", "market", "event"}

func isEntity(m Payload) bool {
	if m == nil {
		return false
	}
	for _, k := range entityKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// resolve turns one child value into an entity. The feed sometimes inlines
// children and sometimes stores an id that points into the sibling map; when
// neither works the key itself is tried as the id.
func resolve(key string, value any, siblings Payload) Payload {
	if m := AsMap(value); m != nil && isEntity(m) {
		return m
	}
	if siblings != nil {
		if ref, ok := value.(string); ok {
			if m := AsMap(siblings[ref]); m != nil {
				return m
			}
		}
		if m := AsMap(siblings[key]); m != nil {
			return m
		}
	}
	return AsMap(value)
}

// ExtractGames pulls every game out of a normalized document. Three shapes
// are handled, in order:
//
//  1. hierarchy: sport -> region -> competition -> game
//  2. flat: {"<gameID>": {...game...}, ...}
//  3. sequence: [{...game...}, ...]
//
// Extraction is order preserving for shapes 2 and 3 only in the sense that
// repeated parses of the same document yield the same sequence; map iteration
// is made deterministic by sorting keys.
func ExtractGames(doc Payload) []Game {
	doc = Unwrap(doc)
	if doc == nil {
		return nil
	}

	if sports := AsMap(doc["sport"]); sports != nil {
		return extractHierarchy(sports)
	}

	if games := AsMap(doc["game"]); games != nil {
		return extractFlat(games, "", "", "")
	}

	if seq := AsSlice(doc["games"]); seq != nil {
		return extractSequence(seq)
	}

	// A bare flat map keyed by game id: every value must look like a game.
	if looksLikeGameMap(doc) {
		return extractFlat(doc, "", "", "")
	}

	return nil
}

func looksLikeGameMap(doc Payload) bool {
	if len(doc) == 0 {
		return false
	}
	for _, v := range doc {
		g := AsMap(v)
		if g == nil {
			return false
		}
		if Str(g, "id") == "" && Str(g, "team1_name") == "" {
			return false
		}
	}
	return true
}

func extractHierarchy(sports Payload) []Game {
	var out []Game
	for _, sportKey := range sortedKeys(sports) {
		sport := resolve(sportKey, sports[sportKey], sports)
		if sport == nil {
			continue
		}
		sportID := firstNonEmpty(Str(sport, "id"), sportKey)

		regions := AsMap(sport["region"])
		for _, regionKey := range sortedKeys(regions) {
			region := resolve(regionKey, regions[regionKey], regions)
			if region == nil {
				continue
			}
			regionID := firstNonEmpty(Str(region, "id"), regionKey)

			comps := AsMap(region["competition"])
			for _, compKey := range sortedKeys(comps) {
				comp := resolve(compKey, comps[compKey], comps)
				if comp == nil {
					continue
				}
				compID := firstNonEmpty(Str(comp, "id"), compKey)

				games := AsMap(comp["game"])
				out = append(out, extractFlat(games, sportID, regionID, compID)...)
			}
		}
	}
	return out
}

func extractFlat(games Payload, sportID, regionID, compID string) []Game {
	var out []Game
	for _, key := range sortedKeys(games) {
		g := AsMap(games[key])
		if g == nil {
			continue
		}
		id := firstNonEmpty(Str(g, "id"), key)
		out = append(out, Game{
			ID:            id,
			SportID:       firstNonEmpty(Str(g, "sport_id"), sportID),
			RegionID:      firstNonEmpty(Str(g, "region_id"), regionID),
			CompetitionID: firstNonEmpty(Str(g, "competition_id"), compID),
			Raw:           g,
		})
	}
	return out
}

func extractSequence(seq []any) []Game {
	var out []Game
	for _, v := range seq {
		g := AsMap(v)
		if g == nil {
			continue
		}
		id := Str(g, "id")
		if id == "" {
			continue
		}
		out = append(out, Game{
			ID:            id,
			SportID:       Str(g, "sport_id"),
			RegionID:      Str(g, "region_id"),
			CompetitionID: Str(g, "competition_id"),
			Raw:           g,
		})
	}
	return out
}

// finishMarkers are the states that mark a live game as over. Matched
// case-insensitively against show_type, info.current_game_state, last_event
// and text_info.
var finishMarkers = []string{"finished", "final", "ended", "after_over", "game_over", "ft"}

func matchesFinish(s string) bool {
	if s == "" {
		return false
	}
	ls := strings.ToLower(s)
	for _, m := range finishMarkers {
		if ls == m || strings.Contains(ls, "finish") || strings.Contains(ls, "final") {
			return true
		}
	}
	return false
}

// KeepLive reports whether a game belongs in a live sport-games list:
// type == 1, not an outright, not finished, and is_live not explicitly false.
func KeepLive(g Payload) bool {
	if t, ok := Int(g, "type"); !ok || t != 1 {
		return false
	}
	if outright, ok := Bool(g, "is_outright"); ok && outright {
		return false
	}
	if live, ok := Bool(g, "is_live"); ok && !live {
		return false
	}
	if matchesFinish(Str(g, "show_type")) {
		return false
	}
	if matchesFinish(Str(g, "text_info")) {
		return false
	}
	if matchesFinish(Str(g, "last_event")) {
		return false
	}
	if info := AsMap(g["info"]); info != nil {
		if matchesFinish(Str(info, "current_game_state")) {
			return false
		}
	}
	return true
}

// KeepPrematch reports whether a game belongs in a prematch list:
// visible_in_prematch == 1, or type 0 or 2.
func KeepPrematch(g Payload) bool {
	if v, ok := Int(g, "visible_in_prematch"); ok && v == 1 {
		return true
	}
	if t, ok := Int(g, "type"); ok && (t == 0 || t == 2) {
		return true
	}
	return false
}
