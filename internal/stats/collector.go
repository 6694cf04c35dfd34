// Package stats provides a small interface for recording service metrics.
package stats

// Metric names used by the service.
const (
	// Bridge metrics.
	MetricRequests            = "analysisd_requests_total"
	MetricRequestErrors       = "analysisd_request_errors_total"
	MetricAnalyses            = "analysisd_engine_analyses_total"
	MetricAnalysisSeconds     = "analysisd_engine_analysis_seconds"
	MetricConsecutiveFailures = "analysisd_engine_consecutive_failures"

	// Cache metrics.
	MetricCacheHits   = "analysisd_cache_hits_total"
	MetricCacheMisses = "analysisd_cache_misses_total"

	// Connection metrics.
	MetricConnections     = "analysisd_ws_connections"
	MetricConnectionsOpen = "analysisd_ws_connections_opened_total"
)

// Collector records metrics. Implementations must be safe for concurrent use.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
