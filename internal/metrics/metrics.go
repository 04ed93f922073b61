package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeaturesReadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_features_read_total",
		Help: "Raw features read per source",
	}, []string{"source"})
	FeaturesFilteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_features_filtered_total",
		Help: "Features rejected by the region predicate",
	}, []string{"source"})
	FeaturesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_features_dropped_total",
		Help: "Features dropped because a coordinate failed to project",
	}, []string{"source"})
	TilesEncodedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_tiles_encoded_total",
		Help: "Non-empty tiles encoded per source",
	}, []string{"source"})
	ArchiveBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_archive_bytes_total",
		Help: "Archive bytes written per source",
	}, []string{"source"})
	SourceFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_source_failures_total",
		Help: "Source builds that failed, by stage",
	}, []string{"source", "stage"})
	SourceDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parceltiles_source_duration_seconds",
		Help:    "Wall time of one source build",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"source"})

	TileRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_tile_requests_total",
		Help: "Tile requests by layer and status code",
	}, []string{"layer", "code"})
	TileRequestDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parceltiles_tile_request_duration_ms",
		Help:    "Tile request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parceltiles_tile_cache_hits_total",
		Help: "Tile cache hits by tier (memory, redis)",
	}, []string{"tier"})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parceltiles_tile_cache_misses_total",
		Help: "Tile cache misses that read the archive",
	})
)

func init() {
	prometheus.MustRegister(FeaturesReadTotal)
	prometheus.MustRegister(FeaturesFilteredTotal)
	prometheus.MustRegister(FeaturesDroppedTotal)
	prometheus.MustRegister(TilesEncodedTotal)
	prometheus.MustRegister(ArchiveBytesTotal)
	prometheus.MustRegister(SourceFailuresTotal)
	prometheus.MustRegister(SourceDurationSeconds)
	prometheus.MustRegister(TileRequestsTotal)
	prometheus.MustRegister(TileRequestDurationMs)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
