package sportsdata

import (
	"sort"
	"strings"
)

// Fingerprints are deterministic value identities used only to detect change.
// They are not cryptographic: a collision just means one emission is skipped,
// never duplicated, which the protocol tolerates.

// eventKey orders a market's events: order ascending, then id lexically.
type eventRef struct {
	id    string
	order float64
	raw   Payload
}

func orderedEvents(market Payload) []eventRef {
	events := AsMap(market["event"])
	if events == nil {
		return nil
	}
	refs := make([]eventRef, 0, len(events))
	for _, key := range sortedKeys(events) {
		ev := AsMap(events[key])
		if ev == nil {
			continue
		}
		order, _ := Num(ev, "order")
		refs = append(refs, eventRef{
			id:    firstNonEmpty(Str(ev, "id"), key),
			order: order,
			raw:   ev,
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].order != refs[j].order {
			return refs[i].order < refs[j].order
		}
		return refs[i].id < refs[j].id
	})
	return refs
}

// eventsConcat renders a market's events as "id:price:base,..." in stable order.
func eventsConcat(market Payload) string {
	refs := orderedEvents(market)
	if len(refs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		parts = append(parts, ref.id+":"+Str(ref.raw, "price")+":"+Str(ref.raw, "base"))
	}
	return strings.Join(parts, ",")
}

// GameFingerprint covers a full game detail: every market, sorted by market
// id, contributes "mid|id|type|display_key|eventsConcat".
func GameFingerprint(game Payload) string {
	markets := AsMap(game["market"])
	if markets == nil {
		return ""
	}
	keys := sortedKeys(markets)
	parts := make([]string, 0, len(keys))
	for _, mid := range keys {
		market := AsMap(markets[mid])
		if market == nil {
			continue
		}
		parts = append(parts,
			mid+"|"+Str(market, "id")+"|"+Str(market, "type")+"|"+Str(market, "display_key")+"|"+eventsConcat(market))
	}
	return strings.Join(parts, ";")
}

// SportFingerprint covers a sport's game list: per game
// "id|markets_count|text_info|score|phase|clock|added_minutes", sorted
// ascending and joined. Sorting makes the identity independent of arrival order.
func SportFingerprint(games []Game) string {
	parts := make([]string, 0, len(games))
	for _, g := range games {
		info := AsMap(g.Raw["info"])
		parts = append(parts, strings.Join([]string{
			g.ID,
			Str(g.Raw, "markets_count"),
			Str(g.Raw, "text_info"),
			Str(info, "score1") + "-" + Str(info, "score2"),
			Str(info, "current_game_state"),
			Str(info, "current_game_time"),
			Str(info, "add_minutes"),
		}, "|"))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// OddsFingerprint covers a single market: "id|type|display_key|eventsConcat"
// with the same event ordering as GameFingerprint.
func OddsFingerprint(market Payload) string {
	if market == nil {
		return ""
	}
	return Str(market, "id") + "|" + Str(market, "type") + "|" + Str(market, "display_key") + "|" + eventsConcat(market)
}

// SportCount is one entry of a counts payload.
type SportCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// CountsFingerprint covers a counts list: "name:count" sorted by name.
func CountsFingerprint(counts []SportCount) string {
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		parts = append(parts, c.Name+":"+FormatNumber(float64(c.Count)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
