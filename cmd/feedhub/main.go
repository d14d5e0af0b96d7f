package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/dob-edge/feedhub/internal/config"
	"github.com/dob-edge/feedhub/internal/feed"
	"github.com/dob-edge/feedhub/internal/hierarchy"
	"github.com/dob-edge/feedhub/internal/httpapi"
	"github.com/dob-edge/feedhub/internal/hub"
	"github.com/dob-edge/feedhub/internal/limits"
	"github.com/dob-edge/feedhub/internal/metrics"
	"github.com/dob-edge/feedhub/internal/mirror"
	"github.com/dob-edge/feedhub/internal/monitoring"
	"github.com/dob-edge/feedhub/internal/sportsdata"
	"github.com/dob-edge/feedhub/internal/store"
	"github.com/dob-edge/feedhub/internal/tracker"
)

func main() {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration failed")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	// The store is optional: the hub serves traffic without persistence,
	// it just starts cold after a restart.
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.StorePath).Msg("Durable store unavailable, running without persistence")
		st = nil
	}

	session := feed.NewSession(feed.SessionConfig{
		URL:            cfg.FeedURL,
		PartnerID:      cfg.PartnerID,
		Language:       cfg.Language,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	hier := hierarchy.NewCache(cfg.HierarchyTTL, hierarchyFetch(session, cfg), st, logger)
	agg := metrics.NewAggregator(st, cfg.MetricsFlush, logger)

	var mir *mirror.Mirror
	if cfg.NATSURL != "" {
		mir, err = mirror.Dial(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS mirror unavailable, emissions will not be mirrored")
			mir = nil
		}
	}

	h := hub.New(cfg, session, hier, mir, logger)
	tm := tracker.NewManager(cfg, agg, logger)
	limiter := limits.NewConnectionRateLimiter(limits.Config{
		IPBurst:    cfg.ConnIPBurst,
		IPRate:     cfg.ConnIPRate,
		GlobalRate: cfg.ConnGlobalRate,
	}, logger)

	api := httpapi.NewServer(cfg, h, hier, tm, agg, limiter, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", api.Handler())
	mux.Handle("/metrics", monitoring.Handler())

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
		// SSE responses stream indefinitely; only the header read is bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Feedhub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	h.Shutdown(shutdownCtx)
	tm.Shutdown()
	limiter.Stop()
	agg.Close()
	mir.Close()
	if st != nil {
		_ = st.Close()
	}
	logger.Info().Msg("Feedhub stopped")
}

// hierarchyFetch builds the taxonomy fetcher: the full sport/region/
// competition tree without games, via the shared feed session.
func hierarchyFetch(session *feed.Session, cfg *config.Config) hierarchy.FetchFunc {
	return func(ctx context.Context) (sportsdata.Payload, error) {
		if err := session.Ensure(ctx); err != nil {
			return nil, err
		}
		what := sportsdata.Payload{
			"sport":       []any{"id", "name", "alias", "order"},
			"region":      []any{"id", "name", "alias", "order"},
			"competition": []any{"id", "name", "order"},
		}
		return session.Fetch(ctx, what, nil, cfg.SnapshotTimeout)
	}
}
