package rpchub

import (
	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// CallMetrics counts calls by direction ("inbound", "outbound")
// and outcome. They are registered only when the Config
// carries a prometheus.Registerer.
type CallMetrics struct {
	calls    *prometheus.CounterVec
	inflight *prometheus.GaugeVec
}

func NewCallMetrics(hubName string, registerer prometheus.Registerer) (*CallMetrics, error) {
	labels := prometheus.Labels{
		"hub": hubName,
	}
	m := &CallMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rpchub_calls_total",
			Help:        "Total number of finished calls",
			ConstLabels: labels,
		}, []string{"direction", "outcome"}),

		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "rpchub_calls_in_flight",
			Help:        "Number of registered calls awaiting completion",
			ConstLabels: labels,
		}, []string{"direction"}),
	}
	if registerer == nil {
		return m, nil
	}
	if err := registerer.Register(m.calls); err != nil {
		return nil, errors.Wrap(err, "Failed to register calls metric")
	}
	if err := registerer.Register(m.inflight); err != nil {
		return nil, errors.Wrap(err, "Failed to register in-flight metric")
	}
	return m, nil
}

func (m *CallMetrics) started(direction string) {
	m.inflight.With(prometheus.Labels{"direction": direction}).Inc()
}

func (m *CallMetrics) finished(direction, outcome string) {
	m.inflight.With(prometheus.Labels{"direction": direction}).Dec()
	m.observe(direction, outcome)
}

// observe counts calls that were never registered.
func (m *CallMetrics) observe(direction, outcome string) {
	m.calls.With(prometheus.Labels{
		"direction": direction,
		"outcome":   outcome,
	}).Inc()
}

// Calls returns the counter, for scraping without a registry.
func (m *CallMetrics) Calls() *prometheus.CounterVec { return m.calls }

// InFlight returns the gauge of registered calls.
func (m *CallMetrics) InFlight() *prometheus.GaugeVec { return m.inflight }

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsCancelled(err):
		return "cancelled"
	case IsTerminal(err):
		return "terminal"
	case isErr(err, ErrNotFound):
		return "not_found"
	case IsRemote(err):
		return "remote_error"
	}
	return "error"
}
