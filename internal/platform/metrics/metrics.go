package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Segment sources and transfer directions used as label values.
const (
	SourceP2P  = "p2p"
	SourceHTTP = "http"

	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// Metrics holds Prometheus counters and gauges for the loader node.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	peerBytesTotal      *prometheus.CounterVec
	httpBytesTotal      prometheus.Counter
	segmentsLoaded      *prometheus.CounterVec
	segmentErrors       *prometheus.CounterVec
	peerTimeoutsTotal   prometheus.Counter
	cacheEvictionsTotal prometheus.Counter
	cachedSegments      prometheus.Gauge
	connectedPeers      prometheus.Gauge
	bandwidth           prometheus.Gauge
}

// New creates and registers Prometheus metrics for the loader node.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_p2p_requests_total",
			Help: "Total number of HTTP requests received, by route",
		}, []string{"route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_p2p_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx), by route",
		}, []string{"route"}),
		peerBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_p2p_peer_bytes_total",
			Help: "Segment payload bytes exchanged with peers",
		}, []string{"direction"}),
		httpBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_p2p_http_bytes_total",
			Help: "Segment payload bytes downloaded over HTTP",
		}),
		segmentsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_p2p_segments_loaded_total",
			Help: "Segments loaded, by source",
		}, []string{"source"}),
		segmentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_p2p_segment_errors_total",
			Help: "Failed segment downloads, by source",
		}, []string{"source"}),
		peerTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_p2p_peer_timeouts_total",
			Help: "Peer segment requests that timed out",
		}),
		cacheEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_p2p_cache_evictions_total",
			Help: "Cache clean passes that evicted at least one segment",
		}),
		cachedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_p2p_cached_segments",
			Help: "Number of segments in the cache",
		}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_p2p_connected_peers",
			Help: "Number of connected peers",
		}),
		bandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_p2p_bandwidth_bytes_per_ms",
			Help: "Estimated download bandwidth",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.peerBytesTotal,
		m.httpBytesTotal,
		m.segmentsLoaded,
		m.segmentErrors,
		m.peerTimeoutsTotal,
		m.cacheEvictionsTotal,
		m.cachedSegments,
		m.connectedPeers,
		m.bandwidth,
	)
	return m
}

// IncRequests increments the request counter for route.
func (m *Metrics) IncRequests(route string) {
	m.requestsTotal.WithLabelValues(route).Inc()
}

// IncErrors increments the errors counter for route.
func (m *Metrics) IncErrors(route string) {
	m.errorsTotal.WithLabelValues(route).Inc()
}

// AddPeerBytes counts n payload bytes in direction.
func (m *Metrics) AddPeerBytes(direction string, n int) {
	m.peerBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// AddHTTPBytes counts n bytes downloaded over HTTP.
func (m *Metrics) AddHTTPBytes(n int) {
	m.httpBytesTotal.Add(float64(n))
}

// IncSegmentsLoaded counts a loaded segment from source.
func (m *Metrics) IncSegmentsLoaded(source string) {
	m.segmentsLoaded.WithLabelValues(source).Inc()
}

// IncSegmentErrors counts a failed download from source.
func (m *Metrics) IncSegmentErrors(source string) {
	m.segmentErrors.WithLabelValues(source).Inc()
}

// IncPeerTimeouts counts a timed out peer request.
func (m *Metrics) IncPeerTimeouts() {
	m.peerTimeoutsTotal.Inc()
}

// IncCacheEvictions counts a clean pass that evicted something.
func (m *Metrics) IncCacheEvictions() {
	m.cacheEvictionsTotal.Inc()
}

// SetCachedSegments sets the cache size gauge.
func (m *Metrics) SetCachedSegments(n int) {
	m.cachedSegments.Set(float64(n))
}

// SetConnectedPeers sets the connected peers gauge.
func (m *Metrics) SetConnectedPeers(n int) {
	m.connectedPeers.Set(float64(n))
}

// SetBandwidth sets the bandwidth gauge, in bytes per millisecond.
func (m *Metrics) SetBandwidth(v float64) {
	m.bandwidth.Set(v)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. cache size).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
