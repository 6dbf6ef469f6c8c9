package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsync"

// Connect outcomes.
const (
	OutcomeConnected    = "connected"
	OutcomeDialFailed   = "dial_failed"
	OutcomeUnauthorized = "unauthorized"
)

var (
	registerOnce sync.Once

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by outcome.",
		},
		[]string{"workspace", "outcome"},
	)
	reconnectWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay chosen before each reconnect attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"workspace"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state as its numeric code.",
		},
		[]string{"workspace"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "frames_received_total",
			Help:      "Inbound frames decoded by kind.",
		},
		[]string{"workspace", "kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by decode failure reason.",
		},
		[]string{"workspace", "reason"},
	)
	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked.",
		},
		[]string{"workspace"},
	)
	opsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ops_sent_total",
			Help:      "Outbound op frames by result.",
		},
		[]string{"workspace", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectAttempts,
			reconnectWaits,
			sessionState,
			framesReceived,
			framesDropped,
			handlerFailures,
			opsSent,
		)
	})
}

// Handler serves the default registry for scraping.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordConnectAttempt(workspace, outcome string) {
	connectAttempts.WithLabelValues(workspace, outcome).Inc()
}

func RecordReconnectDelay(workspace string, delay time.Duration) {
	reconnectWaits.WithLabelValues(workspace).Observe(delay.Seconds())
}

func RecordSessionState(workspace string, code int) {
	sessionState.WithLabelValues(workspace).Set(float64(code))
}

func RecordFrame(workspace, kind string) {
	framesReceived.WithLabelValues(workspace, kind).Inc()
}

func RecordFrameDropped(workspace, reason string) {
	framesDropped.WithLabelValues(workspace, reason).Inc()
}

func RecordHandlerFailures(workspace string, n int) {
	if n <= 0 {
		return
	}
	handlerFailures.WithLabelValues(workspace).Add(float64(n))
}

func RecordOpSent(workspace string, success bool) {
	opsSent.WithLabelValues(workspace, strconv.FormatBool(success)).Inc()
}
