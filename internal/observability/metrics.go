package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stationrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"relay", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stationrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"relay", "method", "path", "status"},
	)
	coordinatorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stationrelay",
			Subsystem: "coordinator",
			Name:      "calls_total",
			Help:      "Correlated coordinator calls by channel kind, message type and outcome.",
		},
		[]string{"channel", "message_type", "outcome"},
	)
	coordinatorCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stationrelay",
			Subsystem: "coordinator",
			Name:      "call_duration_seconds",
			Help:      "Correlated coordinator call round-trip duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"channel", "message_type"},
	)
	controlConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stationrelay",
			Subsystem: "coordinator",
			Name:      "control_connected",
			Help:      "1 while the control channel is open.",
		},
	)
	controlReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stationrelay",
			Subsystem: "coordinator",
			Name:      "control_reconnects_total",
			Help:      "Control channel reconnect attempts.",
		},
	)
	pingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stationrelay",
			Subsystem: "coordinator",
			Name:      "ping_failures_total",
			Help:      "Liveness probes that did not receive a pong.",
		},
	)
	sessionChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stationrelay",
			Subsystem: "sessions",
			Name:      "channels_open",
			Help:      "Open per-session coordinator channels.",
		},
	)
	clientConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stationrelay",
			Subsystem: "clients",
			Name:      "connections_active",
			Help:      "Connected front-end clients.",
		},
	)
	audioChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stationrelay",
			Subsystem: "audio",
			Name:      "chunks_total",
			Help:      "Audio chunks by result (relayed, dropped).",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			coordinatorCalls, coordinatorCallDuration,
			controlConnected, controlReconnects, pingFailures,
			sessionChannels, clientConnections, audioChunks,
		)
	})
}

func RecordHTTPRequest(relay, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(relay, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(relay, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCoordinatorCall(channel, messageType, outcome string, duration time.Duration) {
	RegisterMetrics()
	coordinatorCalls.WithLabelValues(channel, messageType, outcome).Inc()
	coordinatorCallDuration.WithLabelValues(channel, messageType).Observe(duration.Seconds())
}

func SetControlConnected(connected bool) {
	RegisterMetrics()
	if connected {
		controlConnected.Set(1)
		return
	}
	controlConnected.Set(0)
}

func RecordControlReconnect() {
	RegisterMetrics()
	controlReconnects.Inc()
}

func RecordPingFailure() {
	RegisterMetrics()
	pingFailures.Inc()
}

func SetSessionChannels(n int) {
	RegisterMetrics()
	sessionChannels.Set(float64(n))
}

func SetClientConnections(n int) {
	RegisterMetrics()
	clientConnections.Set(float64(n))
}

func RecordAudioChunk(result string) {
	RegisterMetrics()
	audioChunks.WithLabelValues(result).Inc()
}
