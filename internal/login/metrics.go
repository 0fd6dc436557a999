// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus collectors for the login engine.
// A nil *Metrics records nothing.
type Metrics struct {
	Logins    *prometheus.CounterVec
	Evictions *prometheus.CounterVec
	Pending   prometheus.Gauge
	CacheHits prometheus.Counter
}

// NewMetrics creates and registers login metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holologin_logins_total",
				Help: "Total number of credential submissions by result",
			},
			[]string{"result"},
		),
		Evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holologin_evictions_total",
				Help: "Total number of sessions forcibly disconnected by reason",
			},
			[]string{"reason"},
		),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holologin_pending_sessions",
			Help: "Current number of sessions waiting for credentials",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holologin_cache_hits_total",
			Help: "Total number of connections admitted by the session cache",
		}),
	}
	reg.MustRegister(m.Logins, m.Evictions, m.Pending, m.CacheHits)
	return m
}

func (m *Metrics) login(result string) {
	if m != nil {
		m.Logins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) evicted(reason Reason) {
	if m != nil {
		m.Evictions.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) pending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}
