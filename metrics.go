package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	framesReceived   *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	eventsDispatched *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	heartbeatLatency *prometheus.GaugeVec
	rateLimitHolds   *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "tsukuyomi"
	}
	factory := promauto.With(registerer)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "frames_received_total",
			Help:      "Frames received from the gateway by opcode",
		}, []string{"shard", "op"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "decode_errors_total",
			Help:      "Frames discarded because they could not be decoded",
		}, []string{"shard"}),

		eventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_dispatched_total",
			Help:      "Dispatch events handled by name",
		}, []string{"event"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by shard and kind",
		}, []string{"shard", "kind"}),

		heartbeatLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip of the last acknowledged heartbeat",
		}, []string{"shard"}),

		rateLimitHolds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "ratelimit_holds_total",
			Help:      "Control frames held back until their bucket reset",
		}, []string{"bucket"}),
	}
}

func (m *Metrics) frameReceived(shard int, op Op) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(strconv.Itoa(shard), op.String()).Inc()
}

func (m *Metrics) decodeError(shard int) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func (m *Metrics) eventDispatched(event string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(event).Inc()
}

func (m *Metrics) reconnect(shard int, kind string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(strconv.Itoa(shard), kind).Inc()
}

func (m *Metrics) heartbeatAck(shard int, latency time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.WithLabelValues(strconv.Itoa(shard)).Set(latency.Seconds())
}

func (m *Metrics) rateLimitHold(bucket int, _ time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitHolds.WithLabelValues(strconv.Itoa(bucket)).Inc()
}
