package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process wide transaction metrics. Registered once on the default registry
// and shared by every endpoint, scrape them with promhttp.
type endpointMetrics struct {
	transactionsCreated    prometheus.Counter
	transactionsTerminated prometheus.Counter
	retransmissions        prometheus.Counter
	timeouts               prometheus.Counter
	activeTransactions     prometheus.Gauge
}

var defaultMetrics = &endpointMetrics{
	transactionsCreated: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "created_total",
		Help:      "Number of transactions created.",
	}),
	transactionsTerminated: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "terminated_total",
		Help:      "Number of transactions terminated.",
	}),
	retransmissions: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "retransmissions_total",
		Help:      "Number of message retransmissions, timer driven and duplicate driven.",
	}),
	timeouts: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "timeouts_total",
		Help:      "Number of Timer B fires synthesizing 408 to the TU.",
	}),
	activeTransactions: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "active",
		Help:      "Number of transactions currently attached.",
	}),
}
