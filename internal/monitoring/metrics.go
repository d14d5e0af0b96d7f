package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the fan-out hub.
// All metrics are informational: the hub stays correct even if every
// recording call were dropped.
var (
	// SSE edge
	sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feedhub_sse_clients_active",
		Help: "Current number of attached SSE subscribers",
	})

	sseClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_sse_clients_total",
		Help: "Total number of SSE subscribers attached since start",
	})

	sseClientsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_sse_clients_rejected_total",
		Help: "SSE connection attempts rejected by rate limiting",
	})

	sseFramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_sse_frames_sent_total",
		Help: "SSE frames written to subscribers, by event name",
	}, []string{"event"})

	sseSubscribersDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_sse_subscribers_dropped_total",
		Help: "Subscribers removed, by reason (write_failed, cancelled, slow)",
	}, []string{"reason"})

	// Groups
	groupsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedhub_groups_active",
		Help: "Current number of live fan-out groups, by kind",
	}, []string{"kind"})

	groupEmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_group_emissions_total",
		Help: "Payload emissions that passed the fingerprint gate, by kind",
	}, []string{"kind"})

	groupEmissionsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_group_emissions_skipped_total",
		Help: "Payload emissions suppressed by unchanged fingerprints, by kind",
	}, []string{"kind"})

	// Upstream feed session
	upstreamMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_upstream_messages_total",
		Help: "Total inbound frames from the sportsbook feed",
	})

	upstreamParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_upstream_parse_errors_total",
		Help: "Inbound frames that could not be decoded",
	})

	upstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_upstream_reconnects_total",
		Help: "Upstream session re-establishments",
	})

	upstreamRequestTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_upstream_request_timeouts_total",
		Help: "Correlated upstream requests that hit their deadline",
	})

	upstreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feedhub_upstream_connected",
		Help: "Upstream session status (1=connected, 0=down)",
	})

	// Live tracker
	trackerProxiesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feedhub_tracker_proxies_active",
		Help: "Current number of live-tracker proxy instances",
	})

	trackerMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_tracker_messages_total",
		Help: "Frames forwarded from the live-tracker feed",
	})

	// Odds cache
	oddsCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feedhub_odds_cache_entries",
		Help: "Odds cache entries across all groups",
	})

	oddsCacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_odds_cache_evictions_total",
		Help: "Odds cache evictions, by reason (ttl, capacity)",
	}, []string{"reason"})

	// Store
	storeFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_store_flushes_total",
		Help: "Durable store flushes (hierarchy + metrics aggregate)",
	})

	storeFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_store_flush_errors_total",
		Help: "Durable store flushes that failed",
	})
)

func init() {
	prometheus.MustRegister(
		sseClientsActive,
		sseClientsTotal,
		sseClientsRejected,
		sseFramesSent,
		sseSubscribersDropped,
		groupsActive,
		groupEmissions,
		groupEmissionsSkipped,
		upstreamMessages,
		upstreamParseErrors,
		upstreamReconnects,
		upstreamRequestTimeouts,
		upstreamConnected,
		trackerProxiesActive,
		trackerMessages,
		oddsCacheEntries,
		oddsCacheEvictions,
		storeFlushes,
		storeFlushErrors,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recording helpers. Kept as free functions so call sites stay one-liners
// and the metric vars stay private to this package.

func ClientAttached() { sseClientsActive.Inc(); sseClientsTotal.Inc() }

func ClientDetached() { sseClientsActive.Dec() }

func ClientRejected() { sseClientsRejected.Inc() }

func FrameSent(event string) { sseFramesSent.WithLabelValues(event).Inc() }
func SubscriberDropped(reason string) {
	sseSubscribersDropped.WithLabelValues(reason).Inc()
}

func GroupOpened(kind string) { groupsActive.WithLabelValues(kind).Inc() }

func GroupClosed(kind string) { groupsActive.WithLabelValues(kind).Dec() }

func Emission(kind string) { groupEmissions.WithLabelValues(kind).Inc() }
func EmissionSkipped(kind string) {
	groupEmissionsSkipped.WithLabelValues(kind).Inc()
}

func UpstreamMessage() { upstreamMessages.Inc() }

func UpstreamParseError() { upstreamParseErrors.Inc() }

func UpstreamReconnect() { upstreamReconnects.Inc() }

func UpstreamRequestTimeout() { upstreamRequestTimeouts.Inc() }
func UpstreamState(connected bool) {
	if connected {
		upstreamConnected.Set(1)
	} else {
		upstreamConnected.Set(0)
	}
}

func TrackerOpened() { trackerProxiesActive.Inc() }

func TrackerClosed() { trackerProxiesActive.Dec() }

func TrackerMessages(n int) { trackerMessages.Add(float64(n)) }

func OddsCacheSize(n int) { oddsCacheEntries.Set(float64(n)) }
func OddsCacheEvicted(reason string, n int) {
	oddsCacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func StoreFlush(err error) {
	storeFlushes.Inc()
	if err != nil {
		storeFlushErrors.Inc()
	}
}
