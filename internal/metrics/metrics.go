// Package metrics exposes cache and frame loop instrumentation to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements both loader.Observer and avatar.Observer.
type Metrics struct {
	reg *prometheus.Registry

	CacheRequests *prometheus.CounterVec
	LoadDuration  *prometheus.HistogramVec
	Evictions     prometheus.Counter

	Frames         prometheus.Counter
	FrameErrors    prometheus.Counter
	UpdateDuration prometheus.Histogram
	RenderDuration prometheus.Histogram
	StatusChanges  *prometheus.CounterVec
	Status         *prometheus.GaugeVec
}

var statuses = []string{"idle", "loading", "ready", "fallback", "failed"}

// New registers the engine metrics on a fresh registry, alongside the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	frameBuckets := []float64{.0005, .001, .002, .004, .008, .016, .033, .066, .1}

	return &Metrics{
		reg: reg,
		CacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatar_cache_requests_total",
				Help: "Asset cache lookups by result",
			},
			[]string{"result"},
		),
		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "avatar_load_duration_seconds",
				Help:    "Time to fetch, parse and build an avatar",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"result"},
		),
		Evictions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "avatar_cache_evictions_total",
				Help: "Cache entries evicted",
			},
		),
		Frames: f.NewCounter(
			prometheus.CounterOpts{
				Name: "avatar_frames_total",
				Help: "Frames rendered",
			},
		),
		FrameErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "avatar_frame_errors_total",
				Help: "Frames that failed to render",
			},
		),
		UpdateDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "avatar_frame_update_seconds",
				Help:    "Time spent applying signals and advancing expression and animation per frame",
				Buckets: frameBuckets,
			},
		),
		RenderDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "avatar_frame_render_seconds",
				Help:    "Time spent rendering per frame",
				Buckets: frameBuckets,
			},
		),
		StatusChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "avatar_status_changes_total",
				Help: "Controller status transitions by new status",
			},
			[]string{"status"},
		),
		Status: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "avatar_status",
				Help: "1 for the current controller status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit()  { m.CacheRequests.WithLabelValues("hit").Inc() }
func (m *Metrics) CacheMiss() { m.CacheRequests.WithLabelValues("miss").Inc() }
func (m *Metrics) Evicted()   { m.Evictions.Inc() }

func (m *Metrics) LoadFinished(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LoadDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) FrameRendered(update, render time.Duration, err error) {
	m.UpdateDuration.Observe(update.Seconds())
	if err != nil {
		m.FrameErrors.Inc()
		return
	}
	m.Frames.Inc()
	m.RenderDuration.Observe(render.Seconds())
}

func (m *Metrics) StatusChanged(status string) {
	m.StatusChanges.WithLabelValues(status).Inc()
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.Status.WithLabelValues(s).Set(v)
	}
}
