// Package metrics holds the prometheus collectors of the HTTP endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for statement duration (in milliseconds)
var defaultBuckets = []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// Metrics wraps the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	statementsTotal   *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	rowsTotal         prometheus.Counter
	cancelledTotal    prometheus.Counter
	txTotal           *prometheus.CounterVec
	openTx            prometheus.Gauge
	graphNodes        prometheus.GaugeFunc
	graphRels         prometheus.GaugeFunc
}

// GraphSizer reports the size of the committed graph.
type GraphSizer interface {
	Sizes() (nodes, relationships int)
}

// New registers the collectors under namespace. A nil sizer skips the graph
// gauges.
func New(namespace string, sizer GraphSizer) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		statementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_total",
				Help:      "Total number of statements executed",
			},
			[]string{"scope", "code"},
		),
		statementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "statement_duration_ms",
				Help:      "Statement duration in milliseconds, including streaming",
				Buckets:   defaultBuckets,
			},
			[]string{"scope"},
		),
		rowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_streamed_total",
			Help:      "Total number of result rows written to clients",
		}),
		cancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_cancelled_total",
			Help:      "Statements stopped because the client went away",
		}),
		txTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Explicit transactions by outcome",
			},
			[]string{"outcome"},
		),
		openTx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_transactions",
			Help:      "Explicit transactions currently open",
		}),
	}
	registry.MustRegister(
		m.statementsTotal,
		m.statementDuration,
		m.rowsTotal,
		m.cancelledTotal,
		m.txTotal,
		m.openTx,
	)

	if sizer != nil {
		m.graphNodes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Committed nodes",
		}, func() float64 {
			n, _ := sizer.Sizes()
			return float64(n)
		})
		m.graphRels = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_relationships",
			Help:      "Committed relationships",
		}, func() float64 {
			_, r := sizer.Sizes()
			return float64(r)
		})
		registry.MustRegister(m.graphNodes, m.graphRels)
	}
	return m
}

// ObserveStatement records one finished statement. scope is "auto" or "tx";
// code is "ok" or a wire error code.
func (m *Metrics) ObserveStatement(scope, code string, d time.Duration, rows int) {
	m.statementsTotal.WithLabelValues(scope, code).Inc()
	m.statementDuration.WithLabelValues(scope).Observe(float64(d.Microseconds()) / 1000)
	m.rowsTotal.Add(float64(rows))
	if code == "cancelled" {
		m.cancelledTotal.Inc()
	}
}

// TxOpened records a new explicit transaction.
func (m *Metrics) TxOpened() {
	m.openTx.Inc()
}

// TxClosed records the end of an explicit transaction. outcome is one of
// "commit", "rollback", "expired" or "failed".
func (m *Metrics) TxClosed(outcome string) {
	m.openTx.Dec()
	m.txTotal.WithLabelValues(outcome).Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
