// Package metrics provides Prometheus metrics for the workflow engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine metrics
var (
	// stepsTotal counts executor steps.
	// Labels:
	//   - task_type: gather, validate, execute, confirm, decision, notify
	//   - outcome: completed, requires_input, failed, noop
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semflow_steps_total",
			Help: "Total number of workflow steps executed",
		},
		[]string{"task_type", "outcome"},
	)

	// stepDuration observes the wall time of one Advance call.
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "semflow_step_duration_seconds",
			Help:    "Duration of workflow steps in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"task_type"},
	)

	// workflowsTotal counts instances reaching a terminal status.
	// Labels:
	//   - status: completed, failed, cancelled
	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semflow_workflows_finished_total",
			Help: "Total number of workflows that reached a terminal status",
		},
		[]string{"template", "status"},
	)

	// capabilityCalls counts provider calls.
	// Labels:
	//   - provider: provider name (e.g., "google-calendar", "memory-calendar")
	//   - action: check_availability, schedule_meeting, ...
	//   - outcome: success, failure, transient, unavailable
	capabilityCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semflow_capability_calls_total",
			Help: "Total number of capability provider calls",
		},
		[]string{"provider", "action", "outcome"},
	)

	capabilityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "semflow_capability_duration_seconds",
			Help:    "Duration of capability provider calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "action"},
	)

	// notificationsTotal counts fan-out sends per channel.
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semflow_notifications_total",
			Help: "Total number of booking notifications attempted",
		},
		[]string{"channel", "status"},
	)

	// circuitOpen reports 1 while a provider circuit is open.
	circuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "semflow_capability_circuit_open",
			Help: "Whether the circuit breaker for a provider is open",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(workflowsTotal)
	prometheus.MustRegister(capabilityCalls)
	prometheus.MustRegister(capabilityDuration)
	prometheus.MustRegister(notificationsTotal)
	prometheus.MustRegister(circuitOpen)
}

// RecordStep records one executor step and its duration.
func RecordStep(taskType, outcome string, durationSeconds float64) {
	stepsTotal.WithLabelValues(taskType, outcome).Inc()
	stepDuration.WithLabelValues(taskType).Observe(durationSeconds)
}

// RecordWorkflowFinished records an instance reaching a terminal status.
func RecordWorkflowFinished(template, status string) {
	workflowsTotal.WithLabelValues(template, status).Inc()
}

// RecordCapabilityCall records a provider call and its duration.
func RecordCapabilityCall(provider, action, outcome string, durationSeconds float64) {
	capabilityCalls.WithLabelValues(provider, action, outcome).Inc()
	capabilityDuration.WithLabelValues(provider, action).Observe(durationSeconds)
}

// RecordNotification records a notification attempt.
// Parameters:
//   - channel: "chat" or "email"
//   - status: "sent" or "failed"
func RecordNotification(channel, status string) {
	notificationsTotal.WithLabelValues(channel, status).Inc()
}

// SetCircuitOpen records the breaker state for a provider.
func SetCircuitOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	circuitOpen.WithLabelValues(provider).Set(v)
}
