package opmon

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

var (
	operationAllocPool = sync.Pool{
		New: func() interface{} {
			return &Operation{}
		},
	}

	registry = prometheus.NewRegistry()

	operationDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellworld_operation_duration_seconds",
		Help:    "Duration of monitored operations in seconds, labeled by operation name.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"op"})

	events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_events_total",
		Help: "Number of notable events, labeled by event name.",
	}, []string{"event"})

	gauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_gauge",
		Help: "Current values of sampled quantities, labeled by name.",
	}, []string{"name"})
)

func init() {
	registry.MustRegister(operationDurations, events, gauges)
}

// Operation is the type of operation to be monitored
type Operation struct {
	name      string
	startTime time.Time
}

// StartOperation creates a new operation
func StartOperation(operationName string) *Operation {
	op := operationAllocPool.Get().(*Operation)
	op.name = operationName
	op.startTime = time.Now()
	return op
}

// Finish finishes the operation and records the duration of operation
func (op *Operation) Finish(warnThreshold time.Duration) {
	takeTime := time.Since(op.startTime)
	operationDurations.WithLabelValues(op.name).Observe(takeTime.Seconds())
	if takeTime >= warnThreshold {
		gwlog.Warnf("opmon: operation %s takes %s > %s", op.name, takeTime, warnThreshold)
	}
	operationAllocPool.Put(op)
}

// Event counts one occurrence of a named event (dropped messages, rejected moves, ...)
func Event(name string) {
	events.WithLabelValues(name).Inc()
}

// SetGauge records the current value of a named quantity
func SetGauge(name string, v float64) {
	gauges.WithLabelValues(name).Set(v)
}

// EventCounter returns the counter of the named event
func EventCounter(name string) prometheus.Counter {
	return events.WithLabelValues(name)
}

// Gauge returns the gauge of the named quantity
func Gauge(name string) prometheus.Gauge {
	return gauges.WithLabelValues(name)
}

// Gatherer returns the registry holding every opmon metric
func Gatherer() prometheus.Gatherer {
	return registry
}

// Handler serves the opmon metrics in the prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
