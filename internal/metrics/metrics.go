// Package metrics wraps the Prometheus collectors Sluice exposes on
// /metrics. Metric names follow spec.md §6's contract exactly; this
// package otherwise mirrors go-server-3/internal/metrics's
// promauto-registry shape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector Sluice registers.
type Registry struct {
	gatherer             prometheus.Gatherer
	PublishTotal         *prometheus.CounterVec
	PublishLatencySecond *prometheus.HistogramVec
	BackpressureActive   *prometheus.GaugeVec
	SubscriptionLag      *prometheus.GaugeVec
}

// NewRegistry constructs and registers the contract metrics against reg.
// Pass a *prometheus.Registry in production (wired by cmd/sluiced); tests
// pass a fresh prometheus.NewRegistry() so repeated construction doesn't
// panic on duplicate registration against the global default.
func NewRegistry(reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		gatherer: reg,
		PublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_publish_total",
			Help: "Total number of publish requests, labeled by topic and outcome.",
		}, []string{"topic", "outcome"}),

		PublishLatencySecond: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sluice_publish_latency_seconds",
			Help:    "Publish request latency from receipt to durable commit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),

		BackpressureActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sluice_backpressure_active",
			Help: "1 if the subscription has exhausted its delivery credit, 0 otherwise.",
		}, []string{"topic", "group"}),

		SubscriptionLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sluice_subscription_lag",
			Help: "Messages committed on the topic but not yet acknowledged by the group.",
		}, []string{"topic", "group"}),
	}
}

// ObservePublish records a publish outcome and its latency.
func (r *Registry) ObservePublish(topic, outcome string, seconds float64) {
	r.PublishTotal.WithLabelValues(topic, outcome).Inc()
	if outcome == "ok" {
		r.PublishLatencySecond.WithLabelValues(topic).Observe(seconds)
	}
}

// SetBackpressure records whether a subscription currently has zero
// delivery credit.
func (r *Registry) SetBackpressure(topic, group string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	r.BackpressureActive.WithLabelValues(topic, group).Set(v)
}

// SetLag records a subscription's current backlog in message count.
func (r *Registry) SetLag(topic, group string, lag float64) {
	r.SubscriptionLag.WithLabelValues(topic, group).Set(lag)
}

// Handler returns the HTTP handler /metrics should mount.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
