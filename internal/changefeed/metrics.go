package changefeed

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "changefeed"

	// outcomeGone is recorded when the subscriber's connection disappeared
	// before the event could be sent.
	outcomeGone = "gone"
	// outcomeFailed is recorded when the event could not be translated.
	outcomeFailed = "failed"
)

type metrics struct {
	connections prometheus.Gauge
	received    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of registered subscriber connections",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Total number of change events received from upstream",
		}, []string{"resource"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Total number of event evaluations against subscriptions, by outcome",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{m.connections, m.received, m.deliveries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) observe(outcome string) {
	m.deliveries.WithLabelValues(outcome).Inc()
}
