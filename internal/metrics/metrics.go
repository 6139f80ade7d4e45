// Package metrics provides Prometheus metrics for the interview session host.
// Labels never carry session ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks interviews currently driven by this host.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_active_sessions",
		Help: "Current number of interview sessions running on this host.",
	})

	// ConnectedDevices tracks attached candidate browsers.
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_connected_devices",
		Help: "Current number of connected candidate devices.",
	})

	// InitializeTotal counts session initializations by outcome.
	InitializeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_initialize_total",
		Help: "Total number of session initializations, by result.",
	}, []string{"result"})

	// SubmissionsTotal counts answer submissions by outcome.
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_answer_submissions_total",
		Help: "Total number of answer submissions, by result (ok/error).",
	}, []string{"result"})

	// ViolationsTotal counts proctoring violations by kind.
	ViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_proctoring_violations_total",
		Help: "Total number of proctoring violations, by kind.",
	}, []string{"kind"})

	// CompletionsTotal counts completed sessions by reason.
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_completions_total",
		Help: "Total number of completed sessions, by completion reason.",
	}, []string{"reason"})

	// AuditEventsPersisted counts proctoring events written to Postgres.
	AuditEventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_audit_events_persisted_total",
		Help: "Total number of proctoring audit events persisted.",
	})
)

// RecordInitialize increments the initialize counter. An empty result
// means success.
func RecordInitialize(result string) {
	if result == "" {
		result = "ok"
	}
	InitializeTotal.WithLabelValues(result).Inc()
}

// RecordSubmission increments the submission counter.
func RecordSubmission(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SubmissionsTotal.WithLabelValues(result).Inc()
}

// RecordViolation increments the violation counter.
func RecordViolation(kind string) {
	ViolationsTotal.WithLabelValues(kind).Inc()
}

// RecordCompletion increments the completion counter.
func RecordCompletion(reason string) {
	CompletionsTotal.WithLabelValues(reason).Inc()
}
