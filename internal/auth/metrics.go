package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricNoncesIssued           = "auth_nonces_issued_total"
	MetricSignatureVerifications = "auth_signature_verifications_total"
)

// Verification results used as the result label.
const (
	ResultVerified = "verified"
	ResultInvalid  = "invalid"
	ResultReplayed = "replayed"
	ResultError    = "error"
)

// Metrics contains Prometheus metrics for wallet authentication.
// All operations are thread-safe.
type Metrics struct {
	noncesIssued  prometheus.Counter
	verifications *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNoncesIssued,
			Help: "Total number of signature challenges issued",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSignatureVerifications,
			Help: "Total number of wallet signature verifications by result",
		}, []string{"result"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncNoncesIssued increments the issued nonce counter.
func (m *Metrics) IncNoncesIssued() {
	if m == nil {
		return
	}
	m.noncesIssued.Inc()
}

// IncVerification increments the verification counter for result.
func (m *Metrics) IncVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.noncesIssued, m.verifications}
}
