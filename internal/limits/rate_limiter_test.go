package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPerIPBurstExhaustion(t *testing.T) {
	l := NewConnectionRateLimiter(Config{
		IPBurst: 3,
		IPRate:  0.001, // effectively no refill during the test
	}, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("attempt %d within burst rejected", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("attempt past burst allowed")
	}
}

func TestIPsAreIndependent(t *testing.T) {
	l := NewConnectionRateLimiter(Config{
		IPBurst: 1,
		IPRate:  0.001,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("10.0.0.1") {
		t.Fatal("first IP rejected")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("exhausted IP allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("second IP throttled by the first")
	}
}

func TestGlobalLimit(t *testing.T) {
	l := NewConnectionRateLimiter(Config{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 2,
		GlobalRate:  0.001,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.2") {
		t.Fatal("attempts within global burst rejected")
	}
	if l.Allow("10.0.0.3") {
		t.Fatal("attempt past global burst allowed")
	}
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	l := NewConnectionRateLimiter(Config{IPTTL: time.Millisecond}, zerolog.Nop())
	defer l.Stop()

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	if n := l.TrackedIPs(); n != 2 {
		t.Fatalf("TrackedIPs = %d, want 2", n)
	}

	time.Sleep(5 * time.Millisecond)
	l.cleanup()
	if n := l.TrackedIPs(); n != 0 {
		t.Fatalf("TrackedIPs after cleanup = %d, want 0", n)
	}
}

func TestDefaultsApplied(t *testing.T) {
	l := NewConnectionRateLimiter(Config{}, zerolog.Nop())
	defer l.Stop()

	// Default per-IP burst is 20; the 21st immediate attempt must fail.
	for i := 0; i < 20; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("attempt %d within default burst rejected", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("attempt past default burst allowed")
	}
}
