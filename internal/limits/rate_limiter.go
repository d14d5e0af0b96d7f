package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dob-edge/feedhub/internal/monitoring"
)

// ConnectionRateLimiter gates new SSE attachments with two token buckets:
// per-IP (one client reconnect-looping cannot exhaust the edge) and global
// (distributed floods cannot either). Rejected attempts get a 429.
type ConnectionRateLimiter struct {
	ipMu       sync.RWMutex
	ipLimiters map[string]*ipEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger      zerolog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config holds the limiter knobs. Zero values get sane defaults.
type Config struct {
	IPBurst     int           // max burst per IP (default 20)
	IPRate      float64       // sustained attaches/sec per IP (default 2.0)
	IPTTL       time.Duration // drop idle IP buckets after this (default 5m)
	GlobalBurst int           // system-wide burst (default 300)
	GlobalRate  float64       // system-wide attaches/sec (default 100.0)
}

func NewConnectionRateLimiter(cfg Config, logger zerolog.Logger) *ConnectionRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 20
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 2.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 100.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection from ip may proceed. Global bucket
// first (no map lookup), then the per-IP bucket.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		monitoring.ClientRejected()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		monitoring.ClientRejected()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, ok := l.ipLimiters[ip]
	l.ipMu.RUnlock()
	if ok {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		lastAccess: time.Now(),
	}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops IP buckets idle past the TTL so the map cannot grow without
// bound.
func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.ipLimiters)).
			Msg("Dropped idle per-IP limiters")
	}
}

// TrackedIPs returns the number of live per-IP buckets.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.ipMu.RLock()
	defer l.ipMu.RUnlock()
	return len(l.ipLimiters)
}

// Stop halts the cleanup goroutine.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
