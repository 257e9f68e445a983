// Package metrics exposes call and signal counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gsus"

// Recorder implements middleware.CallRecorder and server.SignalRecorder.
type Recorder struct {
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	signals      *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "calls_total",
				Help:      "Method calls dispatched, by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "call_duration_seconds",
				Help:      "Time spent in method handlers.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
			},
			[]string{"method"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "emitter",
				Name:      "signals_total",
				Help:      "Signals submitted to the bus, by name and status.",
			},
			[]string{"name", "status"},
		),
	}
	r.registry.MustRegister(
		r.calls,
		r.callDuration,
		r.signals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) ObserveCall(method, outcome string, d time.Duration) {
	r.calls.WithLabelValues(method, outcome).Inc()
	r.callDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (r *Recorder) ObserveSignal(name, status string) {
	r.signals.WithLabelValues(name, status).Inc()
}

// Gauge registers a gauge sampled at scrape time, e.g. the number of items.
func (r *Recorder) Gauge(name, help string, fn func() float64) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registered metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
