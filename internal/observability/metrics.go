package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the fleet controller.
type Metrics struct {
	upstreamCalls      *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	rotations          *prometheus.CounterVec
	scaleDecisions     *prometheus.CounterVec
	skippedTicks       *prometheus.CounterVec
	alerts             *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	upstreamCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_upstream_calls_total",
		Help: "Total upstream control API call outcomes by classification.",
	}, []string{"dependency", "classification"})
	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_breaker_transitions_total",
		Help: "Total circuit breaker state transitions.",
	}, []string{"dependency", "state"})
	rotations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_credential_rotations_total",
		Help: "Total credential rotations by outcome.",
	}, []string{"outcome"})
	scaleDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_scale_decisions_total",
		Help: "Total autoscale decisions by group and action.",
	}, []string{"group", "action"})
	skippedTicks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_skipped_ticks_total",
		Help: "Total scheduler ticks skipped because the previous tick was still running.",
	}, []string{"task"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_operator_alerts_total",
		Help: "Total operator-visible alerts by kind.",
	}, []string{"kind"})

	upstreamCalls = registerCounterVec(registerer, upstreamCalls)
	breakerTransitions = registerCounterVec(registerer, breakerTransitions)
	rotations = registerCounterVec(registerer, rotations)
	scaleDecisions = registerCounterVec(registerer, scaleDecisions)
	skippedTicks = registerCounterVec(registerer, skippedTicks)
	alerts = registerCounterVec(registerer, alerts)

	return &Metrics{
		upstreamCalls:      upstreamCalls,
		breakerTransitions: breakerTransitions,
		rotations:          rotations,
		scaleDecisions:     scaleDecisions,
		skippedTicks:       skippedTicks,
		alerts:             alerts,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncUpstreamCall(dependency, classification string) {
	if m == nil || m.upstreamCalls == nil {
		return
	}
	m.upstreamCalls.WithLabelValues(dependency, classification).Inc()
}

func (m *Metrics) IncBreakerTransition(dependency, state string) {
	if m == nil || m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(dependency, state).Inc()
}

func (m *Metrics) IncRotation(outcome string) {
	if m == nil || m.rotations == nil {
		return
	}
	m.rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncScaleDecision(group, action string) {
	if m == nil || m.scaleDecisions == nil {
		return
	}
	m.scaleDecisions.WithLabelValues(group, action).Inc()
}

func (m *Metrics) IncSkippedTick(task string) {
	if m == nil || m.skippedTicks == nil {
		return
	}
	m.skippedTicks.WithLabelValues(task).Inc()
}

func (m *Metrics) IncAlert(kind string) {
	if m == nil || m.alerts == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
