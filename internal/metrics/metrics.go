package metrics

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application counters. Hot paths touch only the atomics;
// Prometheus reads them lazily through GaugeFunc collectors.
type Metrics struct {
	// Ingest counters
	MessagesReceived atomic.Uint64
	DecodeErrors     atomic.Uint64
	UnroutedMessages atomic.Uint64

	// Synchronizer counters (aggregated across devices)
	PacketsReceived atomic.Uint64
	PacketsSynced   atomic.Uint64
	PacketsDropped  atomic.Uint64

	// Smoothed quality gauges, stored as math.Float64bits
	avgJitterMS      atomic.Uint64
	currentLatencyMS atomic.Uint64

	// Session and viewer tracking
	ActiveSessions atomic.Uint64
	ActiveViewers  atomic.Uint64
	TotalViewers   atomic.Uint64

	// Broadcast counters
	FramesBroadcast atomic.Uint64
	FramesSkipped   atomic.Uint64 // dropped for slow viewers

	// Upstream publish failures
	PublishErrors atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"breezesync_messages_received_total", "Total transport messages received",
			func() float64 { return float64(m.MessagesReceived.Load()) }},
		{"breezesync_decode_errors_total", "Total payloads dropped due to decode failures",
			func() float64 { return float64(m.DecodeErrors.Load()) }},
		{"breezesync_unrouted_messages_total", "Total messages with no recognized route",
			func() float64 { return float64(m.UnroutedMessages.Load()) }},
		{"breezesync_packets_received_total", "Total stream packets buffered",
			func() float64 { return float64(m.PacketsReceived.Load()) }},
		{"breezesync_packets_synced_total", "Total packets resolved into complete frames",
			func() float64 { return float64(m.PacketsSynced.Load()) }},
		{"breezesync_packets_dropped_total", "Total packets evicted as orphans",
			func() float64 { return float64(m.PacketsDropped.Load()) }},
		{"breezesync_avg_jitter_ms", "Smoothed audio/video timestamp jitter",
			m.AvgJitterMS},
		{"breezesync_current_latency_ms", "Mean buffered packet age over the last second",
			m.CurrentLatencyMS},
		{"breezesync_active_sessions", "Number of live device sessions",
			func() float64 { return float64(m.ActiveSessions.Load()) }},
		{"breezesync_active_viewers", "Number of connected viewer sockets",
			func() float64 { return float64(m.ActiveViewers.Load()) }},
		{"breezesync_total_viewers", "Total viewer sockets accepted",
			func() float64 { return float64(m.TotalViewers.Load()) }},
		{"breezesync_frames_broadcast_total", "Total synced frames delivered to rooms",
			func() float64 { return float64(m.FramesBroadcast.Load()) }},
		{"breezesync_frames_skipped_total", "Total frames skipped for slow viewers",
			func() float64 { return float64(m.FramesSkipped.Load()) }},
		{"breezesync_publish_errors_total", "Total failed control-event publishes",
			func() float64 { return float64(m.PublishErrors.Load()) }},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.fn,
		))
	}
}

// SetAvgJitterMS stores the smoothed jitter gauge
func (m *Metrics) SetAvgJitterMS(v float64) {
	m.avgJitterMS.Store(math.Float64bits(v))
}

// AvgJitterMS reads the smoothed jitter gauge
func (m *Metrics) AvgJitterMS() float64 {
	return math.Float64frombits(m.avgJitterMS.Load())
}

// SetCurrentLatencyMS stores the latency gauge
func (m *Metrics) SetCurrentLatencyMS(v float64) {
	m.currentLatencyMS.Store(math.Float64bits(v))
}

// CurrentLatencyMS reads the latency gauge
func (m *Metrics) CurrentLatencyMS() float64 {
	return math.Float64frombits(m.currentLatencyMS.Load())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
