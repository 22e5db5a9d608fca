package grant

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricGrantsIssued  = "grant_issued_total"
	MetricGrantRedeems  = "grant_redeem_total"
	MetricGrantsRevoked = "grant_revoked_total"
)

// Redemption outcomes used as the outcome label.
const (
	OutcomeRedeemed      = "redeemed"
	OutcomeNotFound      = "not_found"
	OutcomeLedgerDenied  = "ledger_denied"
	OutcomeLedgerUnavail = "ledger_unavailable"
)

// Metrics contains Prometheus metrics for the grant lifecycle.
// All operations are thread-safe.
type Metrics struct {
	issued  prometheus.Counter
	redeems *prometheus.CounterVec
	revoked prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGrantsIssued,
			Help: "Total number of access grants issued",
		}),
		redeems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricGrantRedeems,
			Help: "Total number of access grant redemption attempts by outcome",
		}, []string{"outcome"}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGrantsRevoked,
			Help: "Total number of access grants revoked",
		}),
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

// IncIssued increments the issued counter.
func (m *Metrics) IncIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

// IncRedeem increments the redemption counter for outcome.
func (m *Metrics) IncRedeem(outcome string) {
	if m == nil {
		return
	}
	m.redeems.WithLabelValues(outcome).Inc()
}

// IncRevoked increments the revoked counter.
func (m *Metrics) IncRevoked() {
	if m == nil {
		return
	}
	m.revoked.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.issued, m.redeems, m.revoked}
}
