package pnl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Phases timed by Metrics.PhaseDuration.
const (
	PhaseAccountSelection = "account_selection"
	PhaseFundingIndices   = "funding_indices"
	PhaseAccountInfo      = "account_info"
	PhaseComputePnl       = "compute_pnl"
	PhasePersist          = "persist"
	PhaseCache            = "cache"
)

// Metrics holds the Prometheus collectors of the tick engine.
type Metrics struct {
	PhaseDuration    *prometheus.HistogramVec
	AccountsSelected prometheus.Gauge
	TicksCreated     prometheus.Gauge
	RunsSkipped      prometheus.Counter
	AccountErrors    prometheus.Counter
	Anomalies        prometheus.Counter
	ChunkFailures    prometheus.Counter
	DuplicateTicks   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pnlticks_phase_duration_seconds",
			Help:    "Duration of each phase of a tick run",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),

		AccountsSelected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pnlticks_accounts_selected",
			Help: "Subaccounts selected by the last run",
		}),

		TicksCreated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pnlticks_ticks_created",
			Help: "Ticks computed by the last run",
		}),

		RunsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pnlticks_runs_skipped_total",
			Help: "Runs skipped because the current interval was already processed",
		}),

		AccountErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pnlticks_account_errors_total",
			Help: "Subaccounts dropped from a run because their tick could not be computed",
		}),

		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "pnlticks_anomalies_total",
			Help: "Ticks flagged by the equity/PnL jump heuristic",
		}),

		ChunkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pnlticks_chunk_failures_total",
			Help: "Tick chunks that failed to persist after retries",
		}),

		DuplicateTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "pnlticks_duplicate_ticks_total",
			Help: "Ticks skipped because their subaccount already had one for the interval",
		}),
	}
}

// ObservePhase records the time elapsed since start for phase.
func (m *Metrics) ObservePhase(phase string, start time.Time) {
	m.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
