package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the service and HTTP layers update. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	SalesPosted     prometheus.Counter
	SalesVoided     prometheus.Counter
	SaleRejections  *prometheus.CounterVec
	TxRetries       *prometheus.CounterVec
	Movements       *prometheus.CounterVec
	LedgerDrift     prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		SalesPosted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "sales_posted_total",
			Help:      "Sales committed.",
		}),
		SalesVoided: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "sales_voided_total",
			Help:      "Sales voided.",
		}),
		SaleRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "sale_rejections_total",
			Help:      "Sales rejected before commit, by reason.",
		}, []string{"reason"}),
		TxRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "tx_retries_total",
			Help:      "Transactions retried after a lock timeout or serialization failure.",
		}, []string{"operation"}),
		Movements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "stock_movements_total",
			Help:      "Stock movements appended to the ledger, by type.",
		}, []string{"type"}),
		LedgerDrift: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pos",
			Name:      "ledger_drift_products",
			Help:      "Products whose on-hand qty disagrees with their movement sum at the last reconciliation.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pos",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SalePosted() {
	if m != nil {
		m.SalesPosted.Inc()
	}
}

func (m *Metrics) SaleVoided() {
	if m != nil {
		m.SalesVoided.Inc()
	}
}

func (m *Metrics) SaleRejected(reason string) {
	if m != nil {
		m.SaleRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TxRetried(operation string) {
	if m != nil {
		m.TxRetries.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) MovementRecorded(movementType string) {
	if m != nil {
		m.Movements.WithLabelValues(movementType).Inc()
	}
}

func (m *Metrics) SetLedgerDrift(products int) {
	if m != nil {
		m.LedgerDrift.Set(float64(products))
	}
}

func (m *Metrics) ObserveRequest(method string, status string, seconds float64) {
	if m != nil {
		m.RequestDuration.WithLabelValues(method, status).Observe(seconds)
	}
}
