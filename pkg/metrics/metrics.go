package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradeTransitions counts committed trade status changes
var TradeTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradeguard_trade_transitions_total",
		Help: "Total number of committed trade status transitions",
	},
	[]string{"from", "to"},
)

// TransitionConflicts counts status writes lost to a concurrent writer
var TransitionConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradeguard_trade_transition_conflicts_total",
		Help: "Status compare-and-swap attempts that found the trade already moved",
	},
)

// Escrow metrics
var (
	HoldsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_escrow_holds_created_total",
			Help: "Escrow holds opened with the payment processor",
		},
		[]string{"role"},
	)

	HoldOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_escrow_hold_outcomes_total",
			Help: "Hold status changes applied from processor outcomes and settlements",
		},
		[]string{"status"},
	)

	EscrowAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_escrow_amount_minor_units_total",
			Help: "Minor currency units moved by release and refund",
		},
		[]string{"operation"},
	)
)

// Dispatcher metrics
var (
	AssignmentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_middleman_assignments_total",
			Help: "Middleman assignment status changes",
		},
		[]string{"status"},
	)

	NoMiddlemanAvailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeguard_middleman_unavailable_total",
			Help: "Selections that found no eligible middleman",
		},
	)

	SupervisionTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeguard_supervision_timeouts_total",
			Help: "Supervision sessions escalated after exhausting their budget",
		},
	)
)

// DeadlineActions counts enforcement decisions taken by deadline evaluation
var DeadlineActions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradeguard_deadline_actions_total",
		Help: "Payment deadline enforcement actions",
	},
	[]string{"action"},
)

// SweepDuration records how long each scheduler sweep took
var SweepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tradeguard_scheduler_sweep_seconds",
		Help:    "Duration of scheduler sweeps",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job"},
)

// Connection pool gauges, sampled periodically
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradeguard_db_open_connections",
			Help: "Open database connections",
		},
		[]string{"driver"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradeguard_db_idle_connections",
			Help: "Idle database connections",
		},
		[]string{"driver"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradeguard_db_in_use_connections",
			Help: "Database connections in use",
		},
		[]string{"driver"},
	)
)

func init() {
	prometheus.MustRegister(TradeTransitions, TransitionConflicts)
	prometheus.MustRegister(HoldsCreated, HoldOutcomes, EscrowAmount)
	prometheus.MustRegister(AssignmentOutcomes, NoMiddlemanAvailable, SupervisionTimeouts)
	prometheus.MustRegister(DeadlineActions, SweepDuration)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
