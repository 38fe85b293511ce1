// Package metrics exposes engine events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
)

const namespace = "warehouse"

// Collector records engine events. It implements inventory.EventPublisher.
// エンジンイベントをメトリクスとして記録
type Collector struct {
	registry *prometheus.Registry

	stepTransitions    *prometheus.CounterVec
	conflicts          *prometheus.CounterVec
	rejections         *prometheus.CounterVec
	confirmations      *prometheus.CounterVec
	ledgerPostings     prometheus.Counter
	ledgerDeltas       prometheus.Counter
	openStocktakes     *prometheus.GaugeVec
	staleStocktakes    prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
}

var _ inventory.EventPublisher = (*Collector)(nil)

// NewCollector creates a collector with its own registry
// 新しいメトリクスコレクターを作成
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stocktake_step_transitions_total",
			Help:      "Stock-take step transitions.",
		}, []string{"from", "to"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Writes rejected because of a stale concurrency token.",
		}, []string{"operation"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_rejections_total",
			Help:      "Rejected split edits and confirmations.",
		}, []string{"kind", "code"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_confirmations_total",
			Help:      "Confirmed receipts and vouchers.",
		}, []string{"kind", "status"}),
		ledgerPostings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_postings_total",
			Help:      "References posted to the inventory ledger.",
		}),
		ledgerDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_deltas_total",
			Help:      "Quantity deltas applied to the inventory ledger.",
		}),
		openStocktakes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stocktakes_open",
			Help:      "Stock-takes that are not completed, by step.",
		}, []string{"step"}),
		staleStocktakes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stocktakes_stale",
			Help:      "Stock-takes counting for longer than the configured threshold.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		httpRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.stepTransitions,
		c.conflicts,
		c.rejections,
		c.confirmations,
		c.ledgerPostings,
		c.ledgerDeltas,
		c.openStocktakes,
		c.staleStocktakes,
		c.httpRequests,
		c.httpRequestSeconds,
	)
	return c
}

// Handler returns the /metrics endpoint handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) PublishStepChanged(_ context.Context, event inventory.StepChangedEvent) error {
	c.stepTransitions.WithLabelValues(event.From, event.To).Inc()
	return nil
}

func (c *Collector) PublishLedgerPosted(_ context.Context, event inventory.LedgerPostedEvent) error {
	c.ledgerPostings.Inc()
	c.ledgerDeltas.Add(float64(event.DeltaCount))
	return nil
}

func (c *Collector) PublishDocumentConfirmed(_ context.Context, event inventory.DocumentConfirmedEvent) error {
	c.confirmations.WithLabelValues(event.Kind, event.Status).Inc()
	return nil
}

func (c *Collector) PublishConflict(_ context.Context, event inventory.ConflictEvent) error {
	c.conflicts.WithLabelValues(event.Operation).Inc()
	return nil
}

func (c *Collector) PublishAllocationRejected(_ context.Context, event inventory.AllocationRejectedEvent) error {
	c.rejections.WithLabelValues(event.Kind, event.Code).Inc()
	return nil
}

// SetOpenStocktakes replaces the per-step gauge values
// ステップ別の進行中棚卸数を設定
func (c *Collector) SetOpenStocktakes(byStep map[string]int) {
	c.openStocktakes.Reset()
	for step, n := range byStep {
		c.openStocktakes.WithLabelValues(step).Set(float64(n))
	}
}

// SetStaleStocktakes sets the number of stale counting stock-takes
func (c *Collector) SetStaleStocktakes(n int) {
	c.staleStocktakes.Set(float64(n))
}

// ObserveRequest records one HTTP request
func (c *Collector) ObserveRequest(method, status string, seconds float64) {
	c.httpRequests.WithLabelValues(method, status).Inc()
	c.httpRequestSeconds.WithLabelValues(method).Observe(seconds)
}
