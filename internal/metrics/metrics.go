// Package metrics exposes steamwatch's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics (registered once).
var (
	policyCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_policy_calls_total",
			Help: "Calls into the agent service by operation and result",
		},
		[]string{"op", "result"},
	)
	violationsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steamwatch_violations_recorded_total",
			Help: "Steam violations appended to the violation log",
		},
	)
	notificationsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_notifications_forwarded_total",
			Help: "Notifications forwarded to the presentation layer",
		},
		[]string{"kind"},
	)
	authTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_auth_transitions_total",
			Help: "Policy allowed-state changes driven by authorization updates",
		},
		[]string{"to"},
	)
	knownAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steamwatch_known_agents",
			Help: "Agents in the plugin state",
		},
	)
)

func init() {
	prometheus.MustRegister(policyCalls)
	prometheus.MustRegister(violationsRecorded)
	prometheus.MustRegister(notificationsForwarded)
	prometheus.MustRegister(authTransitions)
	prometheus.MustRegister(knownAgents)
}

// PolicyCall counts one agent-service call.
func PolicyCall(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	policyCalls.WithLabelValues(op, result).Inc()
}

func ViolationRecorded() {
	violationsRecorded.Inc()
}

func NotificationForwarded(kind string) {
	notificationsForwarded.WithLabelValues(kind).Inc()
}

// AuthTransition counts a policy moving to allowed or blocked.
func AuthTransition(allowed bool) {
	to := "blocked"
	if allowed {
		to = "allowed"
	}
	authTransitions.WithLabelValues(to).Inc()
}

func SetKnownAgents(n int) {
	knownAgents.Set(float64(n))
}
