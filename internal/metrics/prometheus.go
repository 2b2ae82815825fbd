package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	certificationsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "certifications_issued_total",
			Help: "Total number of certification packages issued",
		},
	)
	anchorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchor_attempts_total",
			Help: "Anchoring attempts against the ledger registry, by result",
		},
		[]string{"result"},
	)
	verificationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_requests_total",
			Help: "Verification requests served, by verdict",
		},
		[]string{"verified"},
	)
	pendingAnchors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_anchors",
			Help: "Persisted certification packages without a transaction reference",
		},
	)
)

// CertificationIssued counts one issued package.
func CertificationIssued() {
	certificationsIssued.Inc()
}

// AnchorAttempt counts one anchoring attempt.
func AnchorAttempt(success bool) {
	if success {
		anchorAttempts.WithLabelValues("success").Inc()
	} else {
		anchorAttempts.WithLabelValues("failure").Inc()
	}
}

// VerificationServed counts one verification request.
func VerificationServed(verified bool) {
	if verified {
		verificationRequests.WithLabelValues("true").Inc()
	} else {
		verificationRequests.WithLabelValues("false").Inc()
	}
}

// SetPendingAnchors updates the pending-anchor gauge.
func SetPendingAnchors(n int) {
	pendingAnchors.Set(float64(n))
}

// WireUpHttpMetrics exposes /metrics on the default mux.
func WireUpHttpMetrics() {
	http.Handle("/metrics", promhttp.Handler())
}
