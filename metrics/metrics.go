// Package metrics exposes Prometheus counters for the federation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters the federation service reports.
type Metrics struct {
	// Inbox activity outcomes, labelled by activity type and terminal
	// state (applied, ignored, duplicate, rejected, failed).
	InboxActivities *prometheus.CounterVec

	// Outbound delivery attempts, labelled by result
	// (delivered, retried, dead).
	DeliveryAttempts *prometheus.CounterVec

	// Remote actor fetches, labelled by result (hit, fetched, degraded, error).
	ActorResolutions *prometheus.CounterVec
}

// New creates and registers the federation metrics.
func New() *Metrics {
	m := &Metrics{
		InboxActivities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbox_activities_total",
			Help: "Inbound activities by type and outcome",
		}, []string{"type", "outcome"}),

		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_delivery_attempts_total",
			Help: "Outbound delivery attempts by result",
		}, []string{"result"}),

		ActorResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_actor_resolutions_total",
			Help: "Remote actor resolutions by result",
		}, []string{"result"}),
	}

	registerOrGet(m.InboxActivities)
	registerOrGet(m.DeliveryAttempts)
	registerOrGet(m.ActorResolutions)

	return m
}

// registerOrGet tolerates re-registration so tests can build multiple
// instances against the default registry. Any other registration error is
// a programming error and panics, matching MustRegister.
func registerOrGet(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
		panic(err)
	}
}
