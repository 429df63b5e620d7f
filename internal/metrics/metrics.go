// Package metrics exposes the Prometheus instrumentation for the state
// manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the engine and server report into.
type Metrics struct {
	registry *prometheus.Registry

	Transitions    *prometheus.CounterVec
	Leases         prometheus.Counter
	RetriesCreated prometheus.Counter
	FanInDeduped   prometheus.Counter
	Validations    *prometheus.CounterVec
	RunsTriggered  prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
}

// New builds a self-contained registry with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statemanager_state_transitions_total",
			Help: "State status transitions, labelled by target status.",
		}, []string{"to"}),
		Leases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_states_leased_total",
			Help: "States handed to workers by the pull scheduler.",
		}),
		RetriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_retries_created_total",
			Help: "Retry sibling states created after worker errors.",
		}),
		FanInDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_fanin_duplicates_total",
			Help: "Fan-in inserts swallowed as benign duplicate races.",
		}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statemanager_graph_validations_total",
			Help: "Graph template validation runs, labelled by result.",
		}, []string{"result"}),
		RunsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statemanager_runs_triggered_total",
			Help: "Runs created by the trigger endpoint.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statemanager_http_requests_total",
			Help: "HTTP requests, labelled by route pattern and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.Transitions, m.Leases, m.RetriesCreated, m.FanInDeduped,
		m.Validations, m.RunsTriggered, m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
