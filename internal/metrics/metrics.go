package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll Loop Metrics
var (
	// PollCyclesTotal tracks completed poll iterations
	PollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total completed stream poll iterations",
		},
	)

	// PollErrorsTotal tracks poll iterations that failed to fetch streams
	PollErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poll_errors_total",
			Help: "Total poll iterations where the batched stream fetch failed",
		},
	)

	// ActiveWatchers tracks the number of running watcher actors
	ActiveWatchers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_watchers",
			Help: "Number of running watcher actors",
		},
	)

	// WatchersRestoredTotal tracks watchers restored from the cache at startup
	WatchersRestoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchers_restored_total",
			Help: "Total watcher states restored from the cache at startup",
		},
	)
)

// Upstream API Metrics
var (
	// UpstreamRequestsTotal tracks helix requests by endpoint and status code
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total upstream API requests by endpoint and HTTP status",
		},
		[]string{"endpoint", "status"},
	)

	// UpstreamRetriesTotal tracks retry sleeps by trigger
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total upstream retry sleeps by trigger (server_error/rate_limit/transport)",
		},
		[]string{"reason"},
	)

	// GameCacheHits tracks category lookups served from the LRU cache
	GameCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "game_cache_hits_total",
			Help: "Total category lookups served from the cache",
		},
	)

	// GameCacheMisses tracks category lookups that went upstream
	GameCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "game_cache_misses_total",
			Help: "Total category lookups that missed the cache",
		},
	)

	// GameCacheEvictions tracks least-recently-used cache evictions
	GameCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "game_cache_evictions_total",
			Help: "Total category cache entries evicted on overflow",
		},
	)
)

// Notification Metrics
var (
	// NotificationsTotal tracks notifications sent by event type
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total notifications sent by event type (live/update/vod)",
		},
		[]string{"event"},
	)

	// NotificationErrorsTotal tracks failed webhook deliveries
	NotificationErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_errors_total",
			Help: "Total failed notification deliveries",
		},
	)
)

// Persistence Metrics
var (
	// StoreErrorsTotal tracks failed store operations by operation
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total failed persistence operations by operation (save/read/delete)",
		},
		[]string{"operation"},
	)
)
