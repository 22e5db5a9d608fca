package record

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRecordsIngested = "record_ingested_total"
	MetricPinDegraded     = "record_pin_degraded_total"
)

// Metrics contains Prometheus metrics for record ingestion.
// All operations are thread-safe.
type Metrics struct {
	ingested    *prometheus.CounterVec
	pinDegraded prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRecordsIngested,
			Help: "Total number of records ingested by content source",
		}, []string{"source"}),
		pinDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPinDegraded,
			Help: "Total number of records stored with a locally computed placeholder CID",
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

// IncIngested increments the ingested counter. source is "server" or "client".
func (m *Metrics) IncIngested(source string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source).Inc()
}

// IncPinDegraded increments the degraded pin counter.
func (m *Metrics) IncPinDegraded() {
	if m == nil {
		return
	}
	m.pinDegraded.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.ingested, m.pinDegraded}
}
