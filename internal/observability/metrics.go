// Package observability holds the daemon's Prometheus metrics.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesMergedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_messages_merged_total",
			Help: "Messages merged into the local list, by source.",
		},
		[]string{"source"},
	)
	sendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_sends_total",
			Help: "Optimistic sends submitted to the store.",
		},
	)
	sendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_send_failures_total",
			Help: "Sends rejected by the store and rolled back.",
		},
	)
	receiptBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_receipt_batches_total",
			Help: "Read-receipt batch updates written to the store.",
		},
	)
	receiptMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_receipt_messages_total",
			Help: "Messages covered by read-receipt batches.",
		},
	)
	receiptErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_receipt_errors_total",
			Help: "Failed read-receipt batch updates.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		messagesMergedTotal,
		sendsTotal,
		sendFailuresTotal,
		receiptBatchesTotal,
		receiptMessagesTotal,
		receiptErrorsTotal,
	)
}

func AddMessagesMerged(source string, n int) {
	messagesMergedTotal.WithLabelValues(source).Add(float64(n))
}

func IncSends() {
	sendsTotal.Inc()
}

func IncSendFailures() {
	sendFailuresTotal.Inc()
}

func IncReceiptBatches(messages int) {
	receiptBatchesTotal.Inc()
	receiptMessagesTotal.Add(float64(messages))
}

func IncReceiptErrors() {
	receiptErrorsTotal.Inc()
}
