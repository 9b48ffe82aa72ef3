package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons used as the "reason" label of LoanMetrics.Failures.
const (
	ReasonInvalidRequest    = "invalid_request"
	ReasonUnauthorized      = "unauthorized"
	ReasonThrottled         = "throttled"
	ReasonLocked            = "locked"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonCallback          = "callback"
	ReasonExpired           = "expired"
	ReasonInsufficientRepay = "insufficient_repayment"
	ReasonOverflow          = "overflow"
	ReasonInternal          = "internal"
)

// Rollback modes used as the "mode" label of LoanMetrics.Rollbacks.
const (
	RollbackJournal      = "journal"
	RollbackCompensating = "compensating"
)

type LoanMetrics struct {
	Attempts      prometheus.Counter
	Successes     prometheus.Counter
	Failures      *prometheus.CounterVec
	Rollbacks     *prometheus.CounterVec
	Volume        prometheus.Counter
	Fees          prometheus.Counter
	ActiveLoans   prometheus.Gauge
	ExecutionTime prometheus.Histogram
}

// NewLoanMetrics registers the loan collectors with reg. Passing nil uses the
// default registerer.
func NewLoanMetrics(reg prometheus.Registerer, namespace string) *LoanMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &LoanMetrics{
		Attempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_attempts_total",
			Help:      "Total number of flash loan attempts",
		}),
		Successes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_successes_total",
			Help:      "Total number of fully repaid flash loans",
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_failures_total",
			Help:      "Number of rejected or reverted flash loans by reason",
		}, []string{"reason"}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_rollbacks_total",
			Help:      "Number of disbursements undone after a failed loan",
		}, []string{"mode"}),
		Volume: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_volume_total",
			Help:      "Total principal of repaid flash loans",
		}),
		Fees: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_fees_total",
			Help:      "Total fees collected from repaid flash loans",
		}),
		ActiveLoans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_loans",
			Help:      "Number of flash loans currently executing",
		}),
		ExecutionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loan_execution_seconds",
			Help:      "Time taken to execute a flash loan end to end",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}
