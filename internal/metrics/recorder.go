// Package metrics exposes prometheus instrumentation for array storage.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts and times backend operations.
type Recorder struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder registers the collectors on reg. Registering twice on the
// same registerer reuses the existing collectors.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infrasys",
		Name:      "array_ops_total",
		Help:      "Array storage operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "infrasys",
		Name:      "array_op_duration_seconds",
		Help:      "Latency of array storage operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"backend", "op"})
	var err error
	if ops, err = register(reg, ops); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	return &Recorder{ops: ops, duration: duration}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe records one operation that started at start.
func (r *Recorder) Observe(backend, op string, start time.Time, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ops.WithLabelValues(backend, op, result).Inc()
	r.duration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// Ops returns the counter vector, for tests and custom exporters.
func (r *Recorder) Ops() *prometheus.CounterVec { return r.ops }
