package usecase

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	protocolsStarted   *prometheus.CounterVec
	protocolsCommitted *prometheus.CounterVec
	protocolsFailed    *prometheus.CounterVec
	htlcsIntercepted   prometheus.Counter
	htlcsFailed        prometheus.Counter
	invoicesSettled    prometheus.Counter
	invoicesFailed     prometheus.Counter
	fundingFeesCreated prometheus.Counter
	forceCloses        prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *engineMetrics
)

func defaultEngineMetrics() *engineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &engineMetrics{
			protocolsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "dlc",
				Name:      "protocols_started_total",
				Help:      "Total protocol instances created, by protocol type.",
			}, []string{"type"}),
			protocolsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "dlc",
				Name:      "protocols_committed_total",
				Help:      "Total protocol instances committed, by protocol type.",
			}, []string{"type"}),
			protocolsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "dlc",
				Name:      "protocols_failed_total",
				Help:      "Total protocol instances that terminated in failure, by protocol type.",
			}, []string{"type"}),
			htlcsIntercepted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "interceptor",
				Name:      "htlcs_intercepted_total",
				Help:      "Total HTLCs intercepted on a just-in-time alias.",
			}),
			htlcsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "interceptor",
				Name:      "htlcs_failed_total",
				Help:      "Total intercepted HTLCs failed back upstream.",
			}),
			invoicesSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "gate",
				Name:      "invoices_settled_total",
				Help:      "Total hodl invoices settled after their condition committed.",
			}),
			invoicesFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "gate",
				Name:      "invoices_failed_total",
				Help:      "Total hodl invoices canceled on condition failure or timeout.",
			}),
			fundingFeesCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "scheduler",
				Name:      "funding_fee_events_total",
				Help:      "Total funding fee events inserted.",
			}),
			forceCloses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coordinator",
				Subsystem: "recovery",
				Name:      "force_closes_total",
				Help:      "Total unilateral force-close broadcasts.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.protocolsStarted,
			engineRegistry.protocolsCommitted,
			engineRegistry.protocolsFailed,
			engineRegistry.htlcsIntercepted,
			engineRegistry.htlcsFailed,
			engineRegistry.invoicesSettled,
			engineRegistry.invoicesFailed,
			engineRegistry.fundingFeesCreated,
			engineRegistry.forceCloses,
		)
	})
	return engineRegistry
}
