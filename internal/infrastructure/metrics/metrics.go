package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hlstream/internal/application/port"
)

const namespace = "hlstream"

// Prometheus implements port.Metrics on a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	payloadDropped     *prometheus.CounterVec
	payloadDroppedSize *prometheus.HistogramVec
	subscribeFailed    *prometheus.CounterVec
	reconnects         *prometheus.CounterVec
	reconnectDelay     prometheus.Histogram
	cooldowns          *prometheus.CounterVec
	trackedKeys        prometheus.Gauge
}

var _ port.Metrics = (*Prometheus)(nil)

func New() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		payloadDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_dropped_total",
			Help:      "Inbound frames dropped for exceeding the payload limit.",
		}, []string{"kind"}),
		payloadDroppedSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_dropped_bytes",
			Help:      "Estimated size of dropped frames.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 8),
		}, []string{"kind"}),
		subscribeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_failed_total",
			Help:      "Physical subscribe attempts rejected by the transport.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_scheduled_total",
			Help:      "Reconnects scheduled for candle streams.",
		}, []string{"key"}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay of scheduled reconnects.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_entered_total",
			Help:      "Times a candle stream exhausted its reconnect attempts.",
		}, []string{"key"}),
		trackedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_keys",
			Help:      "Subscription keys with at least one consumer.",
		}),
	}
	m.registry.MustRegister(
		m.payloadDropped,
		m.payloadDroppedSize,
		m.subscribeFailed,
		m.reconnects,
		m.reconnectDelay,
		m.cooldowns,
		m.trackedKeys,
		collectors.NewGoCollector(),
	)
	m.trackedKeys.Set(0)
	return m
}

func (m *Prometheus) PayloadDropped(kind string, size int) {
	m.payloadDropped.WithLabelValues(kind).Inc()
	if size >= 0 {
		m.payloadDroppedSize.WithLabelValues(kind).Observe(float64(size))
	}
}

func (m *Prometheus) SubscribeFailed(kind string) {
	m.subscribeFailed.WithLabelValues(kind).Inc()
}

func (m *Prometheus) ReconnectScheduled(key string, delay time.Duration) {
	m.reconnects.WithLabelValues(key).Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}

func (m *Prometheus) CooldownEntered(key string) {
	m.cooldowns.WithLabelValues(key).Inc()
}

func (m *Prometheus) TrackedKeys(n int) {
	m.trackedKeys.Set(float64(n))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
