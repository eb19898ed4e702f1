// Package metrics exports index map exchange statistics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "ghostmap"
	subsystem = "exchange"
)

// Collector records one sample per completed exchange and satisfies
// indexmap.Observer. Every series carries a constant rank label so the
// registries of several ranks can be scraped side by side.
type Collector struct {
	// Exchanges counts completed exchanges. Labels: op
	Exchanges *prometheus.CounterVec

	// Elements counts values sent by this rank. Labels: op
	Elements *prometheus.CounterVec

	// Duration measures exchange wall time. Labels: op
	Duration *prometheus.HistogramVec
}

// NewCollector registers the exchange metrics of rank on reg.
func NewCollector(reg prometheus.Registerer, rank int) *Collector {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"rank": strconv.Itoa(rank)}
	return &Collector{
		Exchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "total",
			Help:        "Completed index map exchanges",
			ConstLabels: labels,
		}, []string{"op"}),
		Elements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "elements_total",
			Help:        "Values sent by this rank in index map exchanges",
			ConstLabels: labels,
		}, []string{"op"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "duration_seconds",
			Help:        "Wall time of index map exchanges",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"op"}),
	}
}

func (c *Collector) ObserveExchange(op string, elements int, elapsed time.Duration) {
	c.Exchanges.WithLabelValues(op).Inc()
	c.Elements.WithLabelValues(op).Add(float64(elements))
	c.Duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Handler serves the metrics gathered from g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
