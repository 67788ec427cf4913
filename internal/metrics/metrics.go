// Package metrics provides Prometheus instrumentation for the pairing
// engine. It exposes gauges for queue and session counts, counters for
// pairing and moderation outcomes, and counters for store recovery paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the current number of participants waiting for a partner.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_match_queue_size",
		Help: "Current number of participants in the pairing queue",
	})

	// ActiveSessions tracks the current number of active sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_active_sessions",
		Help: "Current number of active one-on-one sessions",
	})

	// MatchesTotal counts sessions created by the queue.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_matches_total",
		Help: "Total number of pairs created from the queue",
	})

	// MatchWait records how long a participant waited in the queue before
	// being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_match_wait_seconds",
		Help:    "Time from joining the queue to being paired",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	// QueueTimeouts counts participants removed for exceeding the max wait.
	QueueTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_queue_timeouts_total",
		Help: "Participants removed from the queue after the maximum wait",
	})

	// SessionsEnded counts ended sessions by reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_sessions_ended_total",
		Help: "Total number of ended sessions",
	}, []string{"reason"})

	// ReportsTotal counts filed reports.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_reports_total",
		Help: "Total number of reports filed",
	})

	// BlocksTotal counts blocks applied, labeled by source: "auto" or "admin".
	BlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_blocks_total",
		Help: "Total number of participants blocked",
	}, []string{"source"})

	// ActionsTotal counts gateway actions by action and result code.
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_actions_total",
		Help: "Gateway actions handled, by action and result code",
	}, []string{"action", "code"})

	// StoreRecoveries counts corrupt collections that were backed up and
	// reinitialised.
	StoreRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_store_recoveries_total",
		Help: "Corrupt persisted collections recovered by backup and reinit",
	}, []string{"collection"})

	// StoreCompactions counts lossy compactions triggered by the size ceiling.
	StoreCompactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_store_compactions_total",
		Help: "Collections compacted after exceeding the size ceiling",
	}, []string{"collection"})

	// MaintenanceRuns counts retention sweeps by result: "ok" or "error".
	MaintenanceRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_maintenance_runs_total",
		Help: "Retention sweeps executed",
	}, []string{"result"})

	// MaintenanceRemoved counts records removed by retention sweeps.
	MaintenanceRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_maintenance_removed_total",
		Help: "Records removed by retention sweeps",
	}, []string{"collection"})

	// MaintenanceDuration records how long a retention sweep took.
	MaintenanceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_maintenance_duration_seconds",
		Help:    "Retention sweep duration in seconds",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		ActiveSessions,
		MatchesTotal,
		MatchWait,
		QueueTimeouts,
		SessionsEnded,
		ReportsTotal,
		BlocksTotal,
		ActionsTotal,
		StoreRecoveries,
		StoreCompactions,
		MaintenanceRuns,
		MaintenanceRemoved,
		MaintenanceDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
