// Package metrics collects and exposes Prometheus metrics for the digest
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface the services record through.
type Recorder interface {
	RecordDigestGenerated(kind string)
	RecordGenerationSkipped(reason string)
	RecordDeliverySuccess()
	RecordDeliveryFailure()
	RecordDigestSent()
}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	digestsGenerated   *prometheus.CounterVec
	generationsSkipped *prometheus.CounterVec
	deliverySuccess    prometheus.Counter
	deliveryFailure    prometheus.Counter
	digestsMarkedSent  prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		digestsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestd_digests_generated_total",
			Help: "Digests generated, by period kind.",
		}, []string{"kind"}),
		generationsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestd_generations_skipped_total",
			Help: "Generation runs that created nothing, by reason.",
		}, []string{"reason"}),
		deliverySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestd_deliveries_sent_total",
			Help: "Successful per-subscriber deliveries.",
		}),
		deliveryFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestd_deliveries_failed_total",
			Help: "Failed per-subscriber deliveries.",
		}),
		digestsMarkedSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestd_digests_sent_total",
			Help: "Digests fully delivered and marked sent.",
		}),
	}
	reg.MustRegister(c.digestsGenerated, c.generationsSkipped, c.deliverySuccess, c.deliveryFailure, c.digestsMarkedSent)
	return c
}

func (c *Collector) RecordDigestGenerated(kind string) {
	c.digestsGenerated.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordGenerationSkipped(reason string) {
	c.generationsSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordDeliverySuccess() {
	c.deliverySuccess.Inc()
}

func (c *Collector) RecordDeliveryFailure() {
	c.deliveryFailure.Inc()
}

func (c *Collector) RecordDigestSent() {
	c.digestsMarkedSent.Inc()
}

// Handler exposes the registry over HTTP for serve mode.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Noop discards all recordings. Used by tests and one-shot CLI runs.
type Noop struct{}

func (Noop) RecordDigestGenerated(string)   {}
func (Noop) RecordGenerationSkipped(string) {}
func (Noop) RecordDeliverySuccess()         {}
func (Noop) RecordDeliveryFailure()         {}
func (Noop) RecordDigestSent()              {}
