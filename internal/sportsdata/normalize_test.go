package sportsdata

import (
	"reflect"
	"testing"
)

func hierarchyDoc() Payload {
	return Payload{
		"data": Payload{
			"data": Payload{
				"sport": Payload{
					"1": Payload{
						"id":   "1",
						"name": "Soccer",
						"region": Payload{
							"10": Payload{
								"id":   "10",
								"name": "England",
								"competition": Payload{
									"100": Payload{
										"id":   "100",
										"name": "Premier League",
										"game": Payload{
											"1000": Payload{"id": "1000", "team1_name": "A", "team2_name": "B"},
											"1001": Payload{"id": "1001", "team1_name": "C", "team2_name": "D"},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestUnwrapPeelsAtMostTwoLayers(t *testing.T) {
	inner := Payload{"sport": Payload{}}
	single := Payload{"data": inner}
	double := Payload{"data": Payload{"data": inner}}

	if got := Unwrap(single); !reflect.DeepEqual(got, inner) {
		t.Fatalf("single unwrap: got %v", got)
	}
	if got := Unwrap(double); !reflect.DeepEqual(got, inner) {
		t.Fatalf("double unwrap: got %v", got)
	}
	if got := Unwrap(inner); !reflect.DeepEqual(got, inner) {
		t.Fatalf("no wrapper: got %v", got)
	}
}

func TestExtractGamesHierarchy(t *testing.T) {
	games := ExtractGames(hierarchyDoc())
	if len(games) != 2 {
		t.Fatalf("expected 2 games, got %d", len(games))
	}
	g := games[0]
	if g.ID != "1000" || g.SportID != "1" || g.RegionID != "10" || g.CompetitionID != "100" {
		t.Fatalf("hierarchy ids not propagated: %+v", g)
	}
}

func TestExtractGamesFlat(t *testing.T) {
	doc := Payload{
		"game": Payload{
			"42": Payload{"id": "42", "team1_name": "X", "sport_id": "3"},
		},
	}
	games := ExtractGames(doc)
	if len(games) != 1 {
		t.Fatalf("expected 1 game, got %d", len(games))
	}
	if games[0].ID != "42" || games[0].SportID != "3" {
		t.Fatalf("unexpected game: %+v", games[0])
	}
}

func TestExtractGamesSequence(t *testing.T) {
	doc := Payload{
		"games": []any{
			Payload{"id": "7", "sport_id": "1"},
			Payload{"no_id": true},
			Payload{"id": "8"},
		},
	}
	games := ExtractGames(doc)
	if len(games) != 2 {
		t.Fatalf("expected 2 games, got %d", len(games))
	}
	if games[0].ID != "7" || games[1].ID != "8" {
		t.Fatalf("order not preserved: %+v", games)
	}
}

func TestExtractGamesDeterministic(t *testing.T) {
	a := ExtractGames(hierarchyDoc())
	b := ExtractGames(hierarchyDoc())
	if !reflect.DeepEqual(a, b) {
		t.Fatal("repeated extraction differs")
	}
}

func TestKeepLive(t *testing.T) {
	tests := []struct {
		name string
		game Payload
		want bool
	}{
		{"in play", Payload{"type": float64(1)}, true},
		{"prematch type", Payload{"type": float64(0)}, false},
		{"outright", Payload{"type": float64(1), "is_outright": true}, false},
		{"is_live false", Payload{"type": float64(1), "is_live": false}, false},
		{"finished show_type", Payload{"type": float64(1), "show_type": "Finished"}, false},
		{"final text_info", Payload{"type": float64(1), "text_info": "Final Score"}, false},
		{"finished state", Payload{"type": float64(1), "info": Payload{"current_game_state": "finished"}}, false},
		{"half time", Payload{"type": float64(1), "info": Payload{"current_game_state": "Half Time"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeepLive(tt.game); got != tt.want {
				t.Fatalf("KeepLive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeepPrematch(t *testing.T) {
	tests := []struct {
		name string
		game Payload
		want bool
	}{
		{"visible flag", Payload{"visible_in_prematch": float64(1)}, true},
		{"type 0", Payload{"type": float64(0)}, true},
		{"type 2", Payload{"type": float64(2)}, true},
		{"live only", Payload{"type": float64(1)}, false},
		{"empty", Payload{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeepPrematch(tt.game); got != tt.want {
				t.Fatalf("KeepPrematch = %v, want %v", got, tt.want)
			}
		})
	}
}
