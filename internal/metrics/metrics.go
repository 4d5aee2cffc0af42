// Package metrics exposes the settlement collectors. A nil *Metrics is a
// valid no-op so components can run without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requestsCreated   *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestsFailed    *prometheus.CounterVec
	riskDenied        *prometheus.CounterVec
	verifyRetries     *prometheus.CounterVec
	reviewsOpened     prometheus.Counter
	storageErrors     prometheus.Counter
	openReviews       prometheus.Gauge
	finalityWait      prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "requests_created_total",
			Help:      "Settlement requests accepted into the ledger.",
		}, []string{"direction", "token"}),
		requestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "requests_completed_total",
			Help:      "Settlement requests completed.",
		}, []string{"direction", "token"}),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "requests_failed_total",
			Help:      "Settlement requests failed.",
		}, []string{"direction", "token"}),
		riskDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "risk_denied_total",
			Help:      "Requests rejected by the risk gate.",
		}, []string{"direction", "kind"}),
		verifyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "deposit_verification_retries_total",
			Help:      "Deposit verifications deferred for retry.",
		}, []string{"reason"}),
		reviewsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "reviews_opened_total",
			Help:      "Requests escalated to manual reconciliation.",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "storage_errors_after_chain_success_total",
			Help:      "Ledger writes that failed after funds moved on chain.",
		}),
		openReviews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "open_reviews",
			Help:      "Review cases awaiting an operator.",
		}),
		finalityWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "withdrawal_finality_seconds",
			Help:      "Time from broadcast to observed finality.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
		}),
	}

	reg.MustRegister(
		m.requestsCreated,
		m.requestsCompleted,
		m.requestsFailed,
		m.riskDenied,
		m.verifyRetries,
		m.reviewsOpened,
		m.storageErrors,
		m.openReviews,
		m.finalityWait,
	)
	return m
}

func (m *Metrics) RequestCreated(direction, token string) {
	if m == nil {
		return
	}
	m.requestsCreated.WithLabelValues(direction, token).Inc()
}

func (m *Metrics) RequestCompleted(direction, token string) {
	if m == nil {
		return
	}
	m.requestsCompleted.WithLabelValues(direction, token).Inc()
}

func (m *Metrics) RequestFailed(direction, token string) {
	if m == nil {
		return
	}
	m.requestsFailed.WithLabelValues(direction, token).Inc()
}

func (m *Metrics) RiskDenied(direction, kind string) {
	if m == nil {
		return
	}
	m.riskDenied.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) VerificationDeferred(reason string) {
	if m == nil {
		return
	}
	m.verifyRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReviewOpened() {
	if m == nil {
		return
	}
	m.reviewsOpened.Inc()
}

func (m *Metrics) StorageErrorAfterChain() {
	if m == nil {
		return
	}
	m.storageErrors.Inc()
}

func (m *Metrics) SetOpenReviews(n int) {
	if m == nil {
		return
	}
	m.openReviews.Set(float64(n))
}

func (m *Metrics) ObserveFinality(seconds float64) {
	if m == nil {
		return
	}
	m.finalityWait.Observe(seconds)
}
