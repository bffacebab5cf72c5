package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts client requests by final outcome status code
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "requests_total",
		Help:      "Total number of client requests serviced, labeled by response status",
	}, []string{"status"})

	// CacheHits counts requests answered from a fresh on-disk entry
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "cache_hits_total",
		Help:      "Total number of requests served from the cache",
	})

	// CacheMisses counts requests that had to go upstream
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "cache_misses_total",
		Help:      "Total number of requests forwarded upstream after a cache miss",
	})

	// CacheWrites counts entries admitted to the cache
	CacheWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "cache_writes_total",
		Help:      "Total number of responses written to the cache",
	})

	// CacheIOErrors counts cache read/write failures (served without caching)
	CacheIOErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "cache_io_errors_total",
		Help:      "Total number of cache I/O failures; requests are still served",
	})

	// BlacklistRejections counts 403s for disallowed servers
	BlacklistRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "blacklist_rejections_total",
		Help:      "Total number of requests rejected because the server is blacklisted",
	})

	// ProxyCycleRejections counts 504s for requests that already traversed us
	ProxyCycleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "proxy_cycle_rejections_total",
		Help:      "Total number of requests rejected because the Via chain contains this proxy",
	})

	// UpstreamErrors counts failed connects or malformed upstream responses
	UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "upstream_errors_total",
		Help:      "Total number of upstream connect or protocol failures (answered 502)",
	})

	// QueueDepthGauge tracks the current depth of the pool's job queue
	QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cacheproxy",
		Name:      "pool_queue_depth",
		Help:      "Current number of pending thunks awaiting dispatch",
	})

	// ActiveWorkersGauge tracks workers currently executing a thunk
	ActiveWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cacheproxy",
		Name:      "pool_active_workers",
		Help:      "Current number of pool workers executing a thunk",
	})

	// ThunkPanics counts thunks that panicked; the worker survives
	ThunkPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cacheproxy",
		Name:      "pool_thunk_panics_total",
		Help:      "Total number of scheduled thunks that panicked during execution",
	})
)
