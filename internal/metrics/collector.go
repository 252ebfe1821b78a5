// Package metrics collects Prometheus metrics for client operations and
// the completion engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the client's Prometheus registry. A disabled collector
// is a safe no-op so call sites never branch.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	opsTotal          *prometheus.CounterVec
	opDuration        *prometheus.HistogramVec
	inflight          prometheus.Gauge
	callbacksTotal    prometheus.Counter
	dispatchQueueSize prometheus.Gauge
}

// Config represents metrics configuration.
type Config struct {
	Enabled   bool
	Namespace string
}

// NewCollector creates a collector. With Enabled false every method is a
// no-op and nothing is registered.
func NewCollector(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "objectpool"
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		enabled:  true,
		registry: registry,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "operations_total",
			Help:      "Batch operations submitted, by type and result.",
		}, []string{"type", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Submit-to-milestone latency, by milestone.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"milestone"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "operations_inflight",
			Help:      "Asynchronous operations awaiting completion.",
		}),
		callbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "callbacks_dispatched_total",
			Help:      "Completion callbacks invoked by dispatch workers.",
		}),
		dispatchQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Callback events waiting for a dispatch worker.",
		}),
	}

	registry.MustRegister(c.opsTotal, c.opDuration, c.inflight, c.callbacksTotal, c.dispatchQueueSize)
	return c
}

// Handler exposes the registry for scraping. Nil when disabled.
func (c *Collector) Handler() http.Handler {
	if !c.enabled {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one finished operation.
func (c *Collector) RecordOperation(opType, result string) {
	if !c.enabled {
		return
	}
	c.opsTotal.WithLabelValues(opType, result).Inc()
}

// RecordLatency records submit-to-milestone latency.
func (c *Collector) RecordLatency(milestone string, d time.Duration) {
	if !c.enabled {
		return
	}
	c.opDuration.WithLabelValues(milestone).Observe(d.Seconds())
}

// OperationStarted bumps the in-flight gauge.
func (c *Collector) OperationStarted() {
	if !c.enabled {
		return
	}
	c.inflight.Inc()
}

// OperationFinished drops the in-flight gauge.
func (c *Collector) OperationFinished() {
	if !c.enabled {
		return
	}
	c.inflight.Dec()
}

// CallbackDispatched counts one invoked callback.
func (c *Collector) CallbackDispatched() {
	if !c.enabled {
		return
	}
	c.callbacksTotal.Inc()
}

// QueueDepth reports the dispatch queue depth.
func (c *Collector) QueueDepth(n int) {
	if !c.enabled {
		return
	}
	c.dispatchQueueSize.Set(float64(n))
}
