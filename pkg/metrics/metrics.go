package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TilesRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_requests_total",
		Help: "Total number of tile requests",
	})

	TilesEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_empty_total",
		Help: "Total number of tile requests answered with the transparent tile",
	})

	TilesCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_cache_hits_total",
		Help: "Total number of in-process tile cache hits",
	})

	TilesCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_cache_misses_total",
		Help: "Total number of in-process tile cache misses",
	})

	TilesCacheJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_cache_inflight_joins_total",
		Help: "Total number of requests that waited on an in-flight render",
	})

	TilesCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_cache_evictions_total",
		Help: "Total number of evicted tile cache entries",
	})

	TilesSharedHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_shared_store_hits_total",
		Help: "Total number of hits in the shared tile store",
	})

	TilesRenders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_tiles_renders_total",
		Help: "Total number of tiles rendered from source rasters",
	})

	TilesRenderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_tiles_render_latency_seconds",
		Help:    "Latency of tile renders in seconds",
		Buckets: prometheus.DefBuckets,
	})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_uploads_total",
		Help: "Total number of registered uploads by asset kind",
	}, []string{"kind"})

	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_upload_bytes_total",
		Help: "Total number of uploaded bytes",
	})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_storage_errors_total",
		Help: "Total number of storage backend failures by operation",
	}, []string{"backend", "op"})

	ReapedAssets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_reaped_assets_total",
		Help: "Total number of soft-deleted assets physically removed",
	})
)
