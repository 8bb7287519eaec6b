package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	loansCreated     prometheus.Counter
	loansRepaid      prometheus.Counter
	loansLiquidated  prometheus.Counter
	operationErrors  *prometheus.CounterVec
	activeLoans      prometheus.Gauge
	reserveTotal     prometheus.Gauge
	interestRetained prometheus.Counter
	approvalsSeen    *prometheus.CounterVec
	oracleFailures   *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			loansCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_loans_created_total",
				Help: "Count of loans opened against escrowed collateral.",
			}),
			loansRepaid: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_loans_repaid_total",
				Help: "Count of loans closed by full repayment.",
			}),
			loansLiquidated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_loans_liquidated_total",
				Help: "Count of loans closed by collateral seizure.",
			}),
			operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_operation_errors_total",
				Help: "Count of rejected engine operations by operation name.",
			}, []string{"operation"}),
			activeLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_active_loans",
				Help: "Number of currently open loans.",
			}),
			reserveTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_reserve_total_wei",
				Help: "Total recorded reserve across all depositors, in wei.",
			}),
			interestRetained: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_interest_retained_wei_total",
				Help: "Cumulative interest retained from repayments, in wei.",
			}),
			approvalsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_approvals_seen_total",
				Help: "Count of observed collection approval events by outcome.",
			}, []string{"outcome"}),
			oracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_oracle_failures_total",
				Help: "Count of failed floor price lookups by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			lendingRegistry.loansCreated,
			lendingRegistry.loansRepaid,
			lendingRegistry.loansLiquidated,
			lendingRegistry.operationErrors,
			lendingRegistry.activeLoans,
			lendingRegistry.reserveTotal,
			lendingRegistry.interestRetained,
			lendingRegistry.approvalsSeen,
			lendingRegistry.oracleFailures,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveLoanCreated() {
	if m == nil {
		return
	}
	m.loansCreated.Inc()
}

func (m *LendingMetrics) ObserveLoanRepaid(interestWei float64) {
	if m == nil {
		return
	}
	m.loansRepaid.Inc()
	if interestWei > 0 {
		m.interestRetained.Add(interestWei)
	}
}

func (m *LendingMetrics) ObserveLoanLiquidated() {
	if m == nil {
		return
	}
	m.loansLiquidated.Inc()
}

func (m *LendingMetrics) IncOperationError(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operationErrors.WithLabelValues(operation).Inc()
}

func (m *LendingMetrics) SetActiveLoans(count float64) {
	if m == nil {
		return
	}
	m.activeLoans.Set(count)
}

func (m *LendingMetrics) SetReserveTotal(amountWei float64) {
	if m == nil {
		return
	}
	m.reserveTotal.Set(amountWei)
}

func (m *LendingMetrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.approvalsSeen.WithLabelValues(outcome).Inc()
}

func (m *LendingMetrics) IncOracleFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.oracleFailures.WithLabelValues(reason).Inc()
}
