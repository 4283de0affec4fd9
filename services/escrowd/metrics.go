package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's Prometheus collectors on a private registry
// so multiple instances never fight over registration.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	Votes           *prometheus.CounterVec
	Releases        *prometheus.CounterVec
	ReleaseDuration prometheus.Histogram
}

// NewMetrics builds the collector set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrowd_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrowd_votes_total",
			Help: "Ballots accepted, by direction.",
		}, []string{"direction"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrowd_releases_total",
			Help: "Release attempts by outcome.",
		}, []string{"outcome"}),
		ReleaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrowd_release_duration_seconds",
			Help:    "Wall time of synchronous release attempts.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(m.HTTPRequests, m.Votes, m.Releases, m.ReleaseDuration)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
