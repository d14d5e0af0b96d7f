package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all hub configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// HTTP edge
	Addr string `env:"FEEDHUB_ADDR" envDefault:":3010"`

	// Upstream sportsbook feed
	FeedURL   string `env:"FEED_URL" envDefault:"wss://eu-swarm-newm.betconstruct.com/"`
	PartnerID int    `env:"FEED_PARTNER_ID" envDefault:"1873701"`
	Language  string `env:"FEED_LANGUAGE" envDefault:"eng"`

	// Live-tracker feed (secondary upstream, one connection per tracked game)
	TrackerURL       string `env:"TRACKER_URL" envDefault:"wss://lt-wss.kodds.net/"`
	TrackerPartnerID int    `env:"TRACKER_PARTNER_ID" envDefault:"1777"`
	TrackerSiteRef   string `env:"TRACKER_SITE_REF" envDefault:"dob-edge"`

	// Timeouts and cadences
	ConnectTimeout   time.Duration `env:"FEED_CONNECT_TIMEOUT" envDefault:"15s"`
	RequestTimeout   time.Duration `env:"FEED_REQUEST_TIMEOUT" envDefault:"60s"`
	SnapshotTimeout  time.Duration `env:"FEED_SNAPSHOT_TIMEOUT" envDefault:"15s"`
	GracePeriod      time.Duration `env:"GROUP_GRACE_PERIOD" envDefault:"30s"`
	Heartbeat        time.Duration `env:"SSE_HEARTBEAT" envDefault:"15s"`
	CountsWatchdog   time.Duration `env:"COUNTS_WATCHDOG" envDefault:"15s"`
	PrematchPoll     time.Duration `env:"PREMATCH_POLL" envDefault:"5s"`
	OddsCursorPeriod time.Duration `env:"ODDS_CURSOR_PERIOD" envDefault:"2500ms"`
	OddsSnapshotTick time.Duration `env:"ODDS_SNAPSHOT_TICK" envDefault:"15s"`
	OddsRefreshAge   time.Duration `env:"ODDS_REFRESH_AGE" envDefault:"60s"`

	// Odds cache bounds
	OddsCacheMax int           `env:"ODDS_CACHE_MAX" envDefault:"1000"`
	OddsCacheTTL time.Duration `env:"ODDS_CACHE_TTL" envDefault:"1h"`
	OddsChunk    int           `env:"ODDS_CHUNK" envDefault:"30"`

	// Hierarchy cache
	HierarchyTTL time.Duration `env:"HIERARCHY_TTL" envDefault:"30m"`

	// Market-type priority cache
	MarketPriorityTTL time.Duration `env:"MARKET_PRIORITY_TTL" envDefault:"12h"`

	// Durable store (hierarchy cache + metrics aggregate)
	StorePath     string        `env:"STORE_PATH" envDefault:"data/feedhub.db"`
	MetricsFlush  time.Duration `env:"METRICS_FLUSH" envDefault:"5s"`
	MetricsWindow time.Duration `env:"METRICS_WINDOW" envDefault:"60s"`

	// Results pass-through backend
	ResultsURL     string        `env:"RESULTS_URL" envDefault:"https://api.dob-edge.net/results"`
	ResultsTimeout time.Duration `env:"RESULTS_TIMEOUT" envDefault:"10s"`

	// Poll worker pool (caps concurrent upstream request fan-out)
	PollWorkers   int `env:"POLL_WORKERS" envDefault:"8"`
	PollQueueSize int `env:"POLL_QUEUE_SIZE" envDefault:"256"`

	// SSE connection rate limiting
	ConnIPBurst    int     `env:"CONN_IP_BURST" envDefault:"20"`
	ConnIPRate     float64 `env:"CONN_IP_RATE" envDefault:"2.0"`
	ConnGlobalRate float64 `env:"CONN_GLOBAL_RATE" envDefault:"100.0"`

	// Optional NATS mirror of hub emissions (disabled when empty)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// CORS
	AllowedOriginSuffix string `env:"CORS_ORIGIN_SUFFIX" envDefault:".pages.dev"`
	AllowedOriginPrefix string `env:"CORS_ORIGIN_PREFIX" envDefault:"https://dob-edge"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is authoritative.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("FEEDHUB_ADDR is required")
	}
	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if c.PartnerID <= 0 {
		return fmt.Errorf("FEED_PARTNER_ID must be > 0, got %d", c.PartnerID)
	}

	if c.ConnectTimeout < time.Second {
		return fmt.Errorf("FEED_CONNECT_TIMEOUT must be >= 1s, got %s", c.ConnectTimeout)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("GROUP_GRACE_PERIOD must be >= 0, got %s", c.GracePeriod)
	}
	if c.OddsCacheMax < 1 {
		return fmt.Errorf("ODDS_CACHE_MAX must be > 0, got %d", c.OddsCacheMax)
	}
	if c.OddsChunk < 1 || c.OddsChunk > 100 {
		return fmt.Errorf("ODDS_CHUNK must be 1-100, got %d", c.OddsChunk)
	}
	if c.PollWorkers < 1 {
		return fmt.Errorf("POLL_WORKERS must be > 0, got %d", c.PollWorkers)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("feed_url", c.FeedURL).
		Int("partner_id", c.PartnerID).
		Str("language", c.Language).
		Str("tracker_url", c.TrackerURL).
		Dur("connect_timeout", c.ConnectTimeout).
		Dur("request_timeout", c.RequestTimeout).
		Dur("grace_period", c.GracePeriod).
		Dur("heartbeat", c.Heartbeat).
		Dur("prematch_poll", c.PrematchPoll).
		Dur("odds_cursor_period", c.OddsCursorPeriod).
		Int("odds_cache_max", c.OddsCacheMax).
		Dur("odds_cache_ttl", c.OddsCacheTTL).
		Int("odds_chunk", c.OddsChunk).
		Dur("hierarchy_ttl", c.HierarchyTTL).
		Str("store_path", c.StorePath).
		Bool("nats_mirror", c.NATSURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Hub configuration loaded")
}
