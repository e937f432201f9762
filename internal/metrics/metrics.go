// Package metrics exposes dispatcher counters and gauges.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector receives dispatcher measurements.
type Collector interface {
	BatchSealed(items int)
	BatchRequeued(count int)
	InvocationLaunched(batches, items int, localOnly bool)
	InvocationClosed(exitCode int, duration time.Duration, completed int)
	SetBacklog(collectingItems, readyBatches int)
	SetOutstanding(n int64)
	SetLocalOnly(on bool)
}

// Noop discards everything.
type Noop struct{}

func (Noop) BatchSealed(int) {}
func (Noop) BatchRequeued(int) {}
func (Noop) InvocationLaunched(int, int, bool) {}
func (Noop) InvocationClosed(int, time.Duration, int) {}
func (Noop) SetBacklog(int, int) {}
func (Noop) SetOutstanding(int64) {}
func (Noop) SetLocalOnly(bool) {}

// Prometheus implements Collector with a private registry.
type Prometheus struct {
	batchesSealed      prometheus.Counter
	itemsSealed        prometheus.Counter
	batchesRequeued    prometheus.Counter
	invocations        *prometheus.CounterVec
	invocationExits    *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	batchesCompleted   prometheus.Counter

	collectingItems prometheus.Gauge
	readyBatches    prometheus.Gauge
	outstanding     prometheus.Gauge
	localOnly       prometheus.Gauge

	registry *prometheus.Registry
}

func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "farmdispatch"
	}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.batchesSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_sealed_total",
		Help:      "Total number of batches sealed for dispatch",
	})
	p.itemsSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_sealed_total",
		Help:      "Total number of work items written into sealed batches",
	})
	p.batchesRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_requeued_total",
		Help:      "Total number of incomplete batches returned to the ready list",
	})
	p.batchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_completed_total",
		Help:      "Total number of batches whose results were read back",
	})
	p.invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invocations_total",
		Help:      "Total number of build tool invocations started",
	}, []string{"mode"})
	p.invocationExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invocation_exits_total",
		Help:      "Build tool exits by exit code",
	}, []string{"exit_code"})
	p.invocationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "invocation_duration_seconds",
		Help:      "Wall time from launch to exit of a build tool invocation",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	p.collectingItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "collecting_items",
		Help:      "Items in batches that are still collecting",
	})
	p.readyBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready_batches",
		Help:      "Sealed batches waiting for the next invocation",
	})
	p.outstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outstanding_items",
		Help:      "Items submitted whose results have not been posted",
	})
	p.localOnly = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "local_only",
		Help:      "1 while remote distribution is disabled after a build failure",
	})

	p.registry.MustRegister(
		p.batchesSealed,
		p.itemsSealed,
		p.batchesRequeued,
		p.batchesCompleted,
		p.invocations,
		p.invocationExits,
		p.invocationDuration,
		p.collectingItems,
		p.readyBatches,
		p.outstanding,
		p.localOnly,
	)
	return p
}

func (p *Prometheus) BatchSealed(items int) {
	p.batchesSealed.Inc()
	p.itemsSealed.Add(float64(items))
}

func (p *Prometheus) BatchRequeued(count int) {
	p.batchesRequeued.Add(float64(count))
}

func (p *Prometheus) InvocationLaunched(batches, items int, localOnly bool) {
	mode := "distributed"
	if localOnly {
		mode = "local"
	}
	p.invocations.WithLabelValues(mode).Inc()
}

func (p *Prometheus) InvocationClosed(exitCode int, duration time.Duration, completed int) {
	p.invocationExits.WithLabelValues(strconv.Itoa(exitCode)).Inc()
	p.invocationDuration.Observe(duration.Seconds())
	p.batchesCompleted.Add(float64(completed))
}

func (p *Prometheus) SetBacklog(collectingItems, readyBatches int) {
	p.collectingItems.Set(float64(collectingItems))
	p.readyBatches.Set(float64(readyBatches))
}

func (p *Prometheus) SetOutstanding(n int64) {
	p.outstanding.Set(float64(n))
}

func (p *Prometheus) SetLocalOnly(on bool) {
	if on {
		p.localOnly.Set(1)
		return
	}
	p.localOnly.Set(0)
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
