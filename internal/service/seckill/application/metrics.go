package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	purchaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "purchase_attempts_total",
		Help:      "Purchase attempts by outcome.",
	}, []string{"outcome"})

	paymentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "payments_total",
		Help:      "Payment confirmations by outcome.",
	}, []string{"outcome"})

	compensationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "compensations_total",
		Help:      "Expired reservation compensations by outcome.",
	}, []string{"outcome"})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seckill",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of a full reconciliation cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	reconcileItemFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "reconcile_item_failures_total",
		Help:      "Per-item push-down failures during reconciliation.",
	}, []string{"phase"})

	timeoutAuditTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seckill",
		Name:      "payment_timeout_checks_total",
		Help:      "Payment timeout audit results.",
	}, []string{"result"})
)
