package lifecycle

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600}

// Metrics instruments container operations. A nil *Metrics records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
}

// NewMetrics registers the lifecycle collectors with reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockmgr",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Container lifecycle operations by outcome",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dockmgr",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Duration of container lifecycle operations",
			Buckets:   durationBuckets,
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockmgr",
			Subsystem: "lifecycle",
			Name:      "status_transitions_total",
			Help:      "Container status transitions",
		}, []string{"from", "to"}),
	}
	if reg == nil {
		return m
	}
	m.operations = register(reg, m.operations)
	m.duration = register(reg, m.duration)
	m.transitions = register(reg, m.transitions)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}
