// Package metrics exports the orchestration layer's counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/graph"
)

type (
	// Metrics implements graph.Recorder and health.Recorder.
	Metrics struct {
		mutations      *prometheus.CounterVec
		coalesced      *prometheus.CounterVec
		recoveries     *prometheus.CounterVec
		fatal          prometheus.Counter
		ignoredChanges prometheus.Counter
		loadFailures   prometheus.Counter
		stalls         prometheus.Counter
	}

	// Sources are read at scrape time. Nil sources are not exported.
	Sources struct {
		DegradedResolves  func() uint64
		TransientFailures func() uint64
		Pulls             func() uint64
		DroppedEvents     func() uint64
	}
)

const namespace = "rendercore"

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, src Sources) (*Metrics, error) {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_mutations_total",
			Help:      "Graph mutations performed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_mutations_coalesced_total",
			Help:      "Mutation requests dropped because the target already had one in flight.",
		}, []string{"kind"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_recoveries_total",
			Help:      "Recovery attempts after a failed resume, by outcome.",
		}, []string{"outcome"}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_fatal_errors_total",
			Help:      "Mutations that left the graph in the fatal state.",
		}),
		ignoredChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configuration_changes_ignored_total",
			Help:      "Host configuration changes ignored because a mutation was in flight.",
		}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_load_failures_total",
			Help:      "Plugin loads that failed.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_stalls_total",
			Help:      "Stalled render paths detected, each followed by a fallback to the simple topology.",
		}),
	}
	collectors := []prometheus.Collector{m.mutations, m.coalesced, m.recoveries, m.fatal, m.ignoredChanges, m.loadFailures, m.stalls}
	for name, f := range map[string]func() uint64{
		"timeline_degraded_resolves_total": src.DegradedResolves,
		"render_transient_failures_total":  src.TransientFailures,
		"render_pulls_total":               src.Pulls,
		"engine_dropped_events_total":      src.DroppedEvents,
	} {
		f := f
		if f == nil {
			continue
		}
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help[name],
		}, func() float64 { return float64(f()) }))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return m, nil
}

var help = map[string]string{
	"timeline_degraded_resolves_total": "Render callbacks without sample or host time; these are not synchronized across channels.",
	"render_transient_failures_total":  "Render callbacks that produced silence because the engine failed or was not ready.",
	"render_pulls_total":               "Render callbacks served.",
	"engine_dropped_events_total":      "Scheduled events dropped because the engine's queue was full.",
}

func (m *Metrics) MutationFinished(kind graph.MutationKind, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, rendercore.ErrFatalGraph):
		outcome = "fatal"
		m.fatal.Inc()
	case err != nil:
		outcome = "rolled_back"
	}
	m.mutations.WithLabelValues(kind.String(), outcome).Inc()
}

func (m *Metrics) MutationCoalesced(kind graph.MutationKind) {
	m.coalesced.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) Recovery(ok bool) {
	if ok {
		m.recoveries.WithLabelValues("recovered").Inc()
	} else {
		m.recoveries.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) ConfigChangeIgnored() { m.ignoredChanges.Inc() }
func (m *Metrics) PluginLoadFailed()    { m.loadFailures.Inc() }
func (m *Metrics) Stalled()             { m.stalls.Inc() }
