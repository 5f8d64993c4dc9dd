// Package metrics holds the Prometheus collectors for swap orchestration and
// browser handles. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "indexswap"

type Metrics struct {
	Attempts   *prometheus.CounterVec
	Passes     prometheus.Counter
	Active     prometheus.Gauge
	Finished   *prometheus.CounterVec
	Recoveries prometheus.Counter
	Evictions  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_attempts_total",
			Help:      "Candidate index swap attempts by outcome.",
		}, []string{"outcome"}),
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_passes_total",
			Help:      "Orchestration passes over a session's modules.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "swaps_active",
			Help:      "Orchestrations currently running.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_finished_total",
			Help:      "Orchestrations that reached a terminal status.",
		}, []string{"status"}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_recoveries_total",
			Help:      "Browser handles recreated after a handle-level failure.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_evictions_total",
			Help:      "Unresponsive browser handles closed by the sweeper.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range []prometheus.Collector{m.Attempts, m.Passes, m.Active, m.Finished, m.Recoveries, m.Evictions} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TrackHandles exports count as the live browser handle gauge.
func TrackHandles(reg prometheus.Registerer, count func() int) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_handles",
		Help:      "Live browser handles.",
	}, func() float64 { return float64(count()) }))
}

// TrackContainers exports count as the running browser container gauge of
// the docker backend.
func TrackContainers(reg prometheus.Registerer, count func() int) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browser_containers",
		Help:      "Running browser server containers.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Attempt(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Pass() {
	if m == nil {
		return
	}
	m.Passes.Inc()
}

// Started marks an orchestration running. The returned func marks it done.
func (m *Metrics) Started() func() {
	if m == nil {
		return func() {}
	}
	m.Active.Inc()
	return m.Active.Dec
}

func (m *Metrics) Finish(status string) {
	if m == nil {
		return
	}
	m.Finished.WithLabelValues(status).Inc()
}

func (m *Metrics) Recovered() {
	if m == nil {
		return
	}
	m.Recoveries.Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}
