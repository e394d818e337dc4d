package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Mempool metrics
	mempoolTransactionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signet_mempool_transactions",
		Help: "Current number of queued transactions per subnet",
	}, []string{"subnet"})

	// Transaction metrics
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_transactions_total",
		Help: "Total number of transaction requests processed",
	}, []string{"kind", "status"})

	minedTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_mined_transactions_total",
		Help: "Total number of transactions submitted in mined batches",
	}, []string{"subnet", "kind", "status"})

	// Chain metrics
	chainCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signet_chain_call_duration_seconds",
		Help:    "Duration of Stacks node API calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"method", "status"})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signet_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	authFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signet_auth_failures_total",
		Help: "Total number of operator requests rejected for a bad signature",
	}, []string{"method"})
)

// RecordTransactionProcessed records an admission decision
func RecordTransactionProcessed(kind TransactionKind, accepted bool) {
	if kind == "" {
		kind = "unknown"
	}
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	transactionsTotal.WithLabelValues(string(kind), status).Inc()
}

// RecordTransactionsMined records the outcome of a mining attempt
func RecordTransactionsMined(subnet string, kind TransactionKind, count int, err error) {
	status := "mined"
	if err != nil {
		status = "failed"
	}
	minedTransactionsTotal.WithLabelValues(subnet, string(kind), status).Add(float64(count))
}

// UpdateMempoolGauge sets the queue size for a subnet
func UpdateMempoolGauge(subnet string, count int) {
	mempoolTransactionsGauge.WithLabelValues(subnet).Set(float64(count))
}

// ObserveChainCall records the duration of a chain API call
func ObserveChainCall(method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	chainCallDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
}

func recordAuthFailure(method string) {
	authFailuresTotal.WithLabelValues(method).Inc()
}
