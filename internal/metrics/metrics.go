// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package metrics exposes Prometheus collectors for session lifecycle
// events. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/toeirei/dbsession/internal/logging"
)

const metricNamespace = "dbsession"

// Init outcomes recorded by ObserveInit.
const (
	InitCreated  = "created"
	InitUpgraded = "upgraded"
	InitCurrent  = "current"
	InitFailed   = "failed"
)

// Metrics groups the collectors registered for one factory.
type Metrics struct {
	Opens       *prometheus.CounterVec
	Closes      *prometheus.CounterVec
	Inits       *prometheus.CounterVec
	LockRetries *prometheus.CounterVec
	Live        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry, which keeps tests independent of each other.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "opens_total",
			Help:      "Physical backend opens that produced a session handle.",
		}, []string{"namespace"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "closes_total",
			Help:      "Physical backend closes performed by session wrap-up.",
		}, []string{"namespace"}),
		Inits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "base_inits_total",
			Help:      "Base handle initializations by outcome.",
		}, []string{"namespace", "outcome"}),
		LockRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "lock_retries_total",
			Help:      "Open attempts retried because the backend reported a lock.",
		}, []string{"namespace"}),
		Live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "live_handles",
			Help:      "Session handles opened and not yet wrapped up.",
		}, []string{"namespace"}),
	}
	for _, c := range []prometheus.Collector{m.Opens, m.Closes, m.Inits, m.LockRetries, m.Live} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveOpen records one physical open.
func (m *Metrics) ObserveOpen(namespace string) {
	if m == nil {
		return
	}
	m.Opens.WithLabelValues(namespace).Inc()
	m.Live.WithLabelValues(namespace).Inc()
}

// ObserveClose records one physical close.
func (m *Metrics) ObserveClose(namespace string) {
	if m == nil {
		return
	}
	m.Closes.WithLabelValues(namespace).Inc()
	m.Live.WithLabelValues(namespace).Dec()
}

// ObserveInit records the outcome of a base initialization.
func (m *Metrics) ObserveInit(namespace, outcome string) {
	if m == nil {
		return
	}
	m.Inits.WithLabelValues(namespace, outcome).Inc()
}

// ObserveLockRetry records one retried open attempt.
func (m *Metrics) ObserveLockRetry(namespace string) {
	if m == nil {
		return
	}
	m.LockRetries.WithLabelValues(namespace).Inc()
}

// Totals reads the open and close counters of namespace.
func (m *Metrics) Totals(namespace string) (opens, closes int) {
	if m == nil {
		return 0, 0
	}
	return counterValue(m.Opens.WithLabelValues(namespace)), counterValue(m.Closes.WithLabelValues(namespace))
}

// LockRetryTotal reads the retry counter of namespace.
func (m *Metrics) LockRetryTotal(namespace string) int {
	if m == nil {
		return 0
	}
	return counterValue(m.LockRetries.WithLabelValues(namespace))
}

func counterValue(c prometheus.Counter) int {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return int(pb.GetCounter().GetValue())
}

// Serve starts an HTTP server exposing gatherer on /metrics at addr. The
// returned server is already accepting connections; shut it down with
// Shutdown or Close.
func Serve(addr string, gatherer prometheus.Gatherer) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnf("metrics: serve error: %v", err)
		}
	}()
	return srv, ln.Addr(), nil
}
