package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// tasksBuckets cover committees up to a few hundred authorities.
var tasksBuckets = []float64{0, 1, 2, 3, 5, 10, 20, 50, 100, 200, 500}

// Metrics are the counters of one aggregator and its successors.
// Every collector is safe for concurrent use.
type Metrics struct {
	TxCertificatesCreated             prometheus.Counter     // TxCertificatesCreated counts certificates formed by ExecuteTransactionBlock
	ProcessTxErrors                   *prometheus.CounterVec // ProcessTxErrors counts transaction errors by authority and error
	ProcessCertErrors                 *prometheus.CounterVec // ProcessCertErrors counts certificate errors by authority and error
	RPCErrors                         *prometheus.CounterVec // RPCErrors counts transport errors by authority and status
	DoubleSpendAttempts               prometheus.Counter     // DoubleSpendAttempts counts conflicting transactions reported to clients
	InflightTransactions              prometheus.Gauge       // InflightTransactions is the number of running ExecuteTransactionBlock transaction phases
	InflightCertificates              prometheus.Gauge       // InflightCertificates is the number of running ExecuteTransactionBlock certificate phases
	InflightTransactionRequests       prometheus.Gauge       // InflightTransactionRequests is the number of outstanding transaction requests
	InflightCertificateRequests       prometheus.Gauge       // InflightCertificateRequests is the number of outstanding certificate requests
	CertPostQuorumTimeout             prometheus.Counter     // CertPostQuorumTimeout counts post quorum tails cut by the timeout
	RemainingTasksAtCertQuorum        prometheus.Histogram   // RemainingTasksAtCertQuorum observes the requests in flight at certificate quorum
	RemainingTasksAtPostQuorumTimeout prometheus.Histogram   // RemainingTasksAtPostQuorumTimeout observes the requests in flight when the tail is cut
	QuorumWithoutRequestedObjects     prometheus.Counter     // QuorumWithoutRequestedObjects counts quorums missing the requested objects
	EffectsQuorumNotReached           prometheus.Counter     // EffectsQuorumNotReached counts transactions with signed effects but no effects quorum
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TxCertificatesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "total_tx_certificates_created",
			Help: "Total number of certificates made in the authority aggregator",
		}),
		ProcessTxErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "process_tx_errors",
			Help: "Number of errors returned from validators when processing transaction, by validator and error",
		}, []string{"name", "error"}),
		ProcessCertErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "process_cert_errors",
			Help: "Number of errors returned from validators when processing certificate, by validator and error",
		}, []string{"name", "error"}),
		RPCErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "total_rpc_err",
			Help: "Total number of transport errors returned from validators, by validator and status",
		}, []string{"name", "code"}),
		DoubleSpendAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "total_client_double_spend_attempts_detected",
			Help: "Total number of client double spend attempts detected",
		}),
		InflightTransactions: f.NewGauge(prometheus.GaugeOpts{
			Name: "inflight_transactions",
			Help: "Number of transactions being certified",
		}),
		InflightCertificates: f.NewGauge(prometheus.GaugeOpts{
			Name: "inflight_certificates",
			Help: "Number of certificates being executed",
		}),
		InflightTransactionRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "inflight_transaction_requests",
			Help: "Number of transaction requests in flight",
		}),
		InflightCertificateRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "inflight_certificate_requests",
			Help: "Number of certificate requests in flight",
		}),
		CertPostQuorumTimeout: f.NewCounter(prometheus.CounterOpts{
			Name: "cert_broadcasting_post_quorum_timeout",
			Help: "Total number of timeouts in cert broadcasting after reaching quorum",
		}),
		RemainingTasksAtCertQuorum: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "remaining_tasks_when_reaching_cert_quorum",
			Help:    "Number of remaining tasks when reaching certificate quorum",
			Buckets: tasksBuckets,
		}),
		RemainingTasksAtPostQuorumTimeout: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "remaining_tasks_when_cert_broadcasting_post_quorum_timeout",
			Help:    "Number of remaining tasks when post quorum certificate broadcasting times out",
			Buckets: tasksBuckets,
		}),
		QuorumWithoutRequestedObjects: f.NewCounter(prometheus.CounterOpts{
			Name: "quorum_reached_without_requested_objects",
			Help: "Number of certificate quorums reached without the requested input or output objects",
		}),
		EffectsQuorumNotReached: f.NewCounter(prometheus.CounterOpts{
			Name: "effects_quorum_not_reached",
			Help: "Number of transactions that received signed effects without an effects quorum",
		}),
	}
}

// gaugeGuard increments g and returns the matching decrement.
func gaugeGuard(g prometheus.Gauge) func() {
	g.Inc()
	return g.Dec
}
