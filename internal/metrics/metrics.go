// Package metrics holds the Prometheus collectors of the ground services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rgs"

var (
	Registry = prometheus.NewRegistry()

	// ---- Bridge ----
	BridgeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "clients",
			Help:      "Number of connected TCP clients.",
		},
	)

	BridgeSerialState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "serial_state",
			Help:      "Serial device state (0 disconnected, 1 connecting, 2 connected, 3 failed).",
		},
	)

	BridgeBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "bytes_total",
			Help:      "Bytes moved through the bridge.",
		},
		[]string{"direction"}, // "downlink" serial->clients, "uplink" clients->serial
	)

	BridgeDroppedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "dropped_bytes_total",
			Help:      "Client bytes dropped while the serial device was disconnected.",
		},
	)

	BridgeClientFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "client_failures_total",
			Help:      "Clients removed after a failed read or write.",
		},
	)

	// ---- Outbox ----
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "commands_total",
			Help:      "Outbox records processed, by final status.",
		},
		[]string{"type", "status"},
	)

	// ---- Link health ----
	PingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "pings_total",
			Help:      "Link pings, by outcome (sent, answered, expired).",
		},
		[]string{"outcome"},
	)

	LinkRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "rtt_seconds",
			Help:      "Ping round-trip time over the radio link.",
			// 10ms .. ~20s; the radio is slow.
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	InflightPings = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "inflight_pings",
			Help:      "Pings awaiting a pong.",
		},
	)

	// ---- Ingest ----
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Frames received by the ingestor, by message kind.",
		},
		[]string{"kind"},
	)

	PacketsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "packets_lost_total",
			Help:      "Frames missing from the sequence.",
		},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "decode_errors_total",
			Help:      "Frames whose payload did not decode.",
		},
	)

	// ---- HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		BridgeClients, BridgeSerialState, BridgeBytes, BridgeDroppedBytes, BridgeClientFailures,
		CommandsTotal,
		PingsTotal, LinkRTT, InflightPings,
		FramesTotal, PacketsLost, DecodeErrors,
		RequestsTotal, RequestDuration,
		buildInfo, uptime,
	)
}

// Handler exposes the registry. Mount it at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next to record request count and latency under op.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
