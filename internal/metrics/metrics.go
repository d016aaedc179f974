package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal    prometheus.Counter
	DispatchedTotal  prometheus.Counter
	RejectedTotal    prometheus.Counter
	QueuedTotal      prometheus.Counter
	RateLimitedTotal prometheus.Counter
	BudgetDenials    prometheus.Counter
	RollbacksTotal   prometheus.Counter
	ExpiredTotal     prometheus.Counter
	DispatchFailures prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "requests_total",
				Help:      "Total requests entering the admission pipeline",
			}),
			DispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "requests_dispatched_total",
				Help:      "Total requests dispatched downstream",
			}),
			RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "requests_rejected_total",
				Help:      "Total requests rejected by any admission check",
			}),
			QueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "requests_queued_total",
				Help:      "Total requests routed to the approval queue",
			}),
			RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "rate_limited_total",
				Help:      "Total requests denied by a sliding window limit",
			}),
			BudgetDenials: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "budget_denials_total",
				Help:      "Total reservations denied by a daily ceiling",
			}),
			RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "budget_rollbacks_total",
				Help:      "Total reservations rolled back without a dispatch",
			}),
			ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "approvals_expired_total",
				Help:      "Total approval items expired by the sweep",
			}),
			DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chadbot",
				Name:      "dispatch_failures_total",
				Help:      "Total downstream generation calls that failed",
			}),
		}
		prometheus.MustRegister(
			global.RequestsTotal,
			global.DispatchedTotal,
			global.RejectedTotal,
			global.QueuedTotal,
			global.RateLimitedTotal,
			global.BudgetDenials,
			global.RollbacksTotal,
			global.ExpiredTotal,
			global.DispatchFailures,
		)
	})
	return global
}
