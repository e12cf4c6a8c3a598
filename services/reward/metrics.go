package reward

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("supporter-rewards/services/reward")

var (
	eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_events_processed_total",
		Help: "Reward events processed, by provider, event type and outcome.",
	}, []string{"provider", "event_type", "outcome"})
	assignmentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_assignment_transitions_total",
		Help: "Assignment status transitions, by target status.",
	}, []string{"status"})
	moduleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_module_failures_total",
		Help: "Reward module apply/revoke failures, by module and operation.",
	}, []string{"module", "op"})
)

func init() {
	prometheus.MustRegister(eventsProcessed, assignmentTransitions, moduleFailures)
}
