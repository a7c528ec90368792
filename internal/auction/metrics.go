package auction

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "auction"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of auctions currently open.
	Auctions metrics.Gauge

	// Number of auctions created.
	AuctionsCreated metrics.Counter

	// Number of auctions closed by their owner.
	AuctionsClosed metrics.Counter

	// Number of bids appended to an auction.
	BidsPlaced metrics.Counter

	// Number of bids rejected, by reason.
	BidsRejected metrics.Counter

	// Number of failed store operations, by operation.
	StoreErrors metrics.Counter
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
		Auctions: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "auctions",
			Help:      "Number of auctions currently open.",
		}, labels).With(labelsAndValues...),
		AuctionsCreated: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "auctions_created",
			Help:      "Number of auctions created.",
		}, labels).With(labelsAndValues...),
		AuctionsClosed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "auctions_closed",
			Help:      "Number of auctions closed by their owner.",
		}, labels).With(labelsAndValues...),
		BidsPlaced: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_placed",
			Help:      "Number of bids appended to an auction.",
		}, labels).With(labelsAndValues...),
		BidsRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_rejected",
			Help:      "Number of bids rejected, by reason.",
		}, append(labels, "reason")).With(labelsAndValues...),
		StoreErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "store_errors",
			Help:      "Number of failed store operations, by operation.",
		}, append(labels, "op")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Auctions:        discard.NewGauge(),
		AuctionsCreated: discard.NewCounter(),
		AuctionsClosed:  discard.NewCounter(),
		BidsPlaced:      discard.NewCounter(),
		BidsRejected:    discard.NewCounter(),
		StoreErrors:     discard.NewCounter(),
	}
}
