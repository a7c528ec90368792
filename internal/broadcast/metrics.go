package broadcast

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "broadcast"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers receiving broadcasts.
	Peers metrics.Gauge

	// Number of events delivered, by kind.
	EventsBroadcast metrics.Counter

	// Number of frames a peer connection failed to take.
	WriteFailures metrics.Counter

	// Number of events waiting for delivery.
	QueueDepth metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peers receiving broadcasts.",
		}, labels).With(labelsAndValues...),
		EventsBroadcast: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_broadcast",
			Help:      "Number of events delivered, by kind.",
		}, append(labels, "kind")).With(labelsAndValues...),
		WriteFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "write_failures",
			Help:      "Number of frames a peer connection failed to take.",
		}, labels).With(labelsAndValues...),
		QueueDepth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_depth",
			Help:      "Number of events waiting for delivery.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:           discard.NewGauge(),
		EventsBroadcast: discard.NewCounter(),
		WriteFailures:   discard.NewCounter(),
		QueueDepth:      discard.NewGauge(),
	}
}
