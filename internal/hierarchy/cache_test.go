package hierarchy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/sportsdata"
)

func taxonomy(sportName string) sportsdata.Payload {
	return sportsdata.Payload{
		"sport": sportsdata.Payload{
			"1": sportsdata.Payload{
				"id":    "1",
				"name":  sportName,
				"alias": "SCR",
				"region": sportsdata.Payload{
					"10": sportsdata.Payload{
						"id":   "10",
						"name": "England",
						"competition": sportsdata.Payload{
							"100": sportsdata.Payload{"id": "100", "name": "Premier League"},
						},
					},
				},
			},
		},
	}
}

func TestDocumentCachesWithinTTL(t *testing.T) {
	calls := 0
	c := NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		calls++
		return taxonomy("Soccer"), nil
	}, nil, zerolog.Nop())

	if _, cached, err := c.Document(context.Background(), false); err != nil || cached {
		t.Fatalf("first read: cached=%v err=%v", cached, err)
	}
	if _, cached, err := c.Document(context.Background(), false); err != nil || !cached {
		t.Fatalf("second read: cached=%v err=%v", cached, err)
	}
	if calls != 1 {
		t.Fatalf("fetch called %d times, want 1", calls)
	}
}

func TestForceRefreshBypassesTTL(t *testing.T) {
	calls := 0
	c := NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		calls++
		return taxonomy("Soccer"), nil
	}, nil, zerolog.Nop())

	c.Document(context.Background(), false)
	c.Document(context.Background(), true)
	if calls != 2 {
		t.Fatalf("fetch called %d times, want 2", calls)
	}
}

func TestZeroSportsRefreshKeepsPrevious(t *testing.T) {
	good := true
	c := NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		if good {
			return taxonomy("Soccer"), nil
		}
		return sportsdata.Payload{"sport": sportsdata.Payload{}}, nil
	}, nil, zerolog.Nop())

	c.Document(context.Background(), false)
	good = false

	doc, cached, err := c.Document(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal("glitchy refresh should serve the cached document")
	}
	if len(sportsdata.AsMap(doc["sport"])) == 0 {
		t.Fatal("previous document lost")
	}
}

func TestFailedRefreshKeepsPrevious(t *testing.T) {
	good := true
	c := NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		if good {
			return taxonomy("Soccer"), nil
		}
		return nil, errors.New("upstream gone")
	}, nil, zerolog.Nop())

	c.Document(context.Background(), false)
	good = false

	_, cached, err := c.Document(context.Background(), true)
	if err != nil || !cached {
		t.Fatalf("cached=%v err=%v", cached, err)
	}
}

func TestFailedRefreshWithoutPreviousErrors(t *testing.T) {
	c := NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		return nil, errors.New("upstream gone")
	}, nil, zerolog.Nop())

	if _, _, err := c.Document(context.Background(), false); err == nil {
		t.Fatal("expected error with no cached fallback")
	}
}

func TestNameMapsRebuiltOnReplace(t *testing.T) {
	name := "Soccer"
	c := NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		return taxonomy(name), nil
	}, nil, zerolog.Nop())

	c.Document(context.Background(), false)
	if got := c.SportName("1"); got != "Soccer" {
		t.Fatalf("SportName = %q", got)
	}
	if got := c.RegionName("10"); got != "England" {
		t.Fatalf("RegionName = %q", got)
	}
	if got := c.CompetitionName("100"); got != "Premier League" {
		t.Fatalf("CompetitionName = %q", got)
	}
	if got := c.SportAlias("1"); got != "SCR" {
		t.Fatalf("SportAlias = %q", got)
	}

	name = "Football"
	c.Document(context.Background(), true)
	if got := c.SportName("1"); got != "Football" {
		t.Fatalf("derived map not invalidated: %q", got)
	}
}

func TestUnknownIDsResolveEmpty(t *testing.T) {
	c := NewCache(time.Hour, func(ctx context.Context) (sportsdata.Payload, error) {
		return taxonomy("Soccer"), nil
	}, nil, zerolog.Nop())
	if got := c.SportName("999"); got != "" {
		t.Fatalf("unknown sport = %q", got)
	}
}
