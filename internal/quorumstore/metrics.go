package quorumstore

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "quorumstore"

// Rejection reasons used as the "reason" label.
const (
	reasonWrongDigest = "wrong_digest"
	reasonDuplicated  = "duplicated"
	reasonWrongInfo   = "wrong_info"
	reasonBadFragment = "invalid_fragment"
	reasonBadBatch    = "invalid_batch"
	reasonBadSig      = "invalid_signature"
	reasonOther       = "other"
)

// Metrics groups the quorum store collectors.
type Metrics struct {
	proofsInitialized  prometheus.Counter
	proofsCompleted    prometheus.Counter
	proofsTimedOut     prometheus.Counter
	signaturesRejected *prometheus.CounterVec
	messagesRejected   *prometheus.CounterVec
	pendingProofs      prometheus.Gauge
	proofLatency       prometheus.Histogram
	batchesStored      prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		proofsInitialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "proofs_initialized_total",
			Help:      "Proofs of store registered with the proof builder.",
		}),
		proofsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "proofs_completed_total",
			Help:      "Proofs of store that reached quorum.",
		}),
		proofsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "proofs_timed_out_total",
			Help:      "Proofs of store that expired before reaching quorum.",
		}),
		signaturesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "signatures_rejected_total",
			Help:      "Signed digests that could not be folded into a proof.",
		}, []string{"reason"}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_rejected_total",
			Help:      "Network messages dropped by validation.",
		}, []string{"reason"}),
		pendingProofs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_proofs",
			Help:      "Proofs of store currently being aggregated.",
		}),
		proofLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "proof_latency_seconds",
			Help:      "Time from proof registration to quorum.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		batchesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_stored_total",
			Help:      "Batch payloads persisted locally.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.proofsInitialized,
			m.proofsCompleted,
			m.proofsTimedOut,
			m.signaturesRejected,
			m.messagesRejected,
			m.pendingProofs,
			m.proofLatency,
			m.batchesStored,
		)
	}

	return m
}

// rejectReason maps a fold error to its label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrWrongDigest):
		return reasonWrongDigest
	case errors.Is(err, ErrDuplicatedSignature):
		return reasonDuplicated
	case errors.Is(err, ErrWrongInfo):
		return reasonWrongInfo
	default:
		return reasonOther
	}
}
