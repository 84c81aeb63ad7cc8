// Package metrics declares the Prometheus collectors for the automation
// engine, the dispatch worker and the intake consumer.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_received_total",
			Help: "Trigger events received by the engine (count)",
		},
		[]string{"trigger_type"},
	)

	RuleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_rule_matches_total",
			Help: "Rules matched by trigger config and conditions (count)",
		},
		[]string{"trigger_type"},
	)

	SkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_skips_total",
			Help: "Matched rules vetoed by the frequency and suppression gate (count)",
		},
		[]string{"reason"},
	)

	ExecutionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_executions_created_total",
			Help: "Executions written to the ledger (count)",
		},
		[]string{"status"},
	)

	DuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_duplicate_triggers_total",
			Help: "Re-delivered triggers that did not create an execution (count)",
		},
	)

	InvalidRulesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_invalid_rules_total",
			Help: "Rules excluded from matching because of configuration errors (count)",
		},
	)

	MatchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_match_errors_total",
			Help: "Per-match processing failures isolated from the rest of the event (count)",
		},
		[]string{"stage"},
	)

	DispatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_dispatch_outcomes_total",
			Help: "Outcomes reported by dispatchers (count)",
		},
		[]string{"outcome"},
	)

	LeasesReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_leases_released_total",
			Help: "Expired dispatcher leases returned to scheduled or failed (count)",
		},
		[]string{"result"},
	)

	ExecutionsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_executions_cancelled_total",
			Help: "Pending executions cancelled for deactivated rules (count)",
		},
	)

	EventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_event_processing_duration_ms",
			Help:    "Time to process one trigger event in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"status"},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_send_duration_ms",
			Help:    "Email transport call duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"outcome"},
	)

	IntakeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_intake_messages_total",
			Help: "Queue messages consumed by the intake consumer (count)",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "automation_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

var (
	engineOnce sync.Once
	workerOnce sync.Once
)

// RegisterEngineMetrics registers the intake-side collectors.
func RegisterEngineMetrics() {
	engineOnce.Do(func() {
		prometheus.MustRegister(EventsReceivedTotal)
		prometheus.MustRegister(RuleMatchesTotal)
		prometheus.MustRegister(SkipsTotal)
		prometheus.MustRegister(ExecutionsCreatedTotal)
		prometheus.MustRegister(DuplicatesTotal)
		prometheus.MustRegister(InvalidRulesTotal)
		prometheus.MustRegister(MatchErrorsTotal)
		prometheus.MustRegister(EventProcessingDuration)
		prometheus.MustRegister(IntakeMessagesTotal)
		prometheus.MustRegister(ExecutionsCancelledTotal)
	})
}

// RegisterWorkerMetrics registers the dispatch-side collectors.
func RegisterWorkerMetrics() {
	workerOnce.Do(func() {
		prometheus.MustRegister(DispatchOutcomesTotal)
		prometheus.MustRegister(LeasesReleasedTotal)
		prometheus.MustRegister(SendDuration)
		prometheus.MustRegister(CircuitBreakerState)
	})
}

func ObserveEventDuration(d time.Duration, status string) {
	EventProcessingDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func ObserveSendDuration(d time.Duration, outcome string) {
	SendDuration.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}
