package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	engineStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Number of engine starts that reached the running state.",
		}, []string{"name"},
	)
	engineStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Number of observed engine exits.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "engine",
			Name:      "spawn_failures_total",
			Help:      "Number of failed start attempts by reason.",
		}, []string{"name", "reason"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "engine",
			Name:      "shutdown_signals_total",
			Help:      "Termination signals sent while escalating a stop.",
		}, []string{"name", "signal"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simvisor",
			Subsystem: "engine",
			Name:      "start_duration_seconds",
			Help:      "Time from start request until both readiness checks passed.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"name"},
	)
	readinessProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "readiness",
			Name:      "probes_total",
			Help:      "Readiness probe attempts by check and outcome.",
		}, []string{"check", "outcome"},
	)
	orphansReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "reaper",
			Name:      "orphans_killed_total",
			Help:      "Orphaned processes killed by matching strategy.",
		}, []string{"reason"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "engine",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	historyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simvisor",
			Subsystem: "history",
			Name:      "events_total",
			Help:      "History events by sink and outcome (sent, failed, dropped).",
		}, []string{"sink", "outcome"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simvisor",
			Subsystem: "engine",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		engineStarts, engineStops, spawnFailures, escalations, startDuration,
		readinessProbes, orphansReclaimed, stateTransitions, currentStates, historyEvents,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		engineStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		engineStops.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name, reason string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name, reason).Inc()
	}
}

func IncEscalation(name, signal string) {
	if regOK.Load() {
		escalations.WithLabelValues(name, signal).Inc()
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncReadinessProbe(check, outcome string) {
	if regOK.Load() {
		readinessProbes.WithLabelValues(check, outcome).Inc()
	}
}

func AddOrphansReclaimed(reason string, n int) {
	if regOK.Load() && n > 0 {
		orphansReclaimed.WithLabelValues(reason).Add(float64(n))
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func IncHistoryEvent(sink, outcome string) {
	if regOK.Load() {
		historyEvents.WithLabelValues(sink, outcome).Inc()
	}
}
