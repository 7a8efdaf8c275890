package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream feed
	FeedFetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buspositions",
		Subsystem: "feed",
		Name:      "fetch_attempts_total",
		Help:      "HTTP attempts made against the upstream feed, by outcome",
	}, []string{"outcome"})

	FeedFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buspositions",
		Subsystem: "feed",
		Name:      "fetch_failures_total",
		Help:      "Feed loads that failed after exhausting retries or parsing",
	})

	FeedLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buspositions",
		Subsystem: "feed",
		Name:      "load_duration_seconds",
		Help:      "Duration of a full feed load including retries",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 30, 120, 600},
	})

	FeedFeatures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "buspositions",
		Subsystem: "feed",
		Name:      "features",
		Help:      "Number of indexed features in the current feed document",
	})

	// Cache
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buspositions",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Tile requests served from the cached feed document",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buspositions",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Tile requests that required a feed load",
	})

	// Tiles
	TileRenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buspositions",
		Subsystem: "tile",
		Name:      "render_duration_seconds",
		Help:      "Time spent extracting, encoding and compressing one tile",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	})

	TileSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buspositions",
		Subsystem: "tile",
		Name:      "size_bytes",
		Help:      "Compressed tile payload size",
		Buckets:   prometheus.ExponentialBuckets(32, 4, 8),
	})

	TileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buspositions",
		Subsystem: "tile",
		Name:      "errors_total",
		Help:      "Tile requests that failed, by stage",
	}, []string{"stage"})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buspositions",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests processed",
	}, []string{"method", "route", "status"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
