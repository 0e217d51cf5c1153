package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the gateway and sync planes. Registered on the default
// registry and exposed on /metrics.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "requests_total",
		Help:      "Gateway operations by tenant and operation.",
	}, []string{"tenant", "operation"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "cache_hits_total",
		Help:      "Cache hits by operation.",
	}, []string{"operation"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "cache_misses_total",
		Help:      "Cache misses by operation.",
	}, []string{"operation"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "upstream_errors_total",
		Help:      "Classified upstream errors.",
	}, []string{"kind"})

	SyncPulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "sync_pulls_total",
		Help:      "Delta pulls by app profile.",
	}, []string{"app_profile"})

	SyncEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "sync_events_delivered_total",
		Help:      "Change events delivered through delta pulls.",
	})

	OfflineChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "offline_changes_total",
		Help:      "Offline push results by status.",
	}, []string{"status"})

	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "fanout_deliveries_total",
		Help:      "Messages delivered to fan-out subscribers.",
	})

	FanoutDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridgecore",
		Name:      "fanout_drops_total",
		Help:      "Subscribers dropped after failed delivery.",
	})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bridgecore",
		Name:      "upstream_latency_seconds",
		Help:      "Upstream call latency by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
