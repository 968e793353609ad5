package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/goliatone/go-gateway/core"
	"github.com/prometheus/client_golang/prometheus"
)

// metricLabels is the fixed label set of every gateway series. Tags outside
// this set are dropped and missing ones are exported as empty strings.
var metricLabels = []string{
	"operation",
	"status",
	"provider_id",
	"tier",
	"classification",
	"credential_kind",
	"from",
	"to",
}

// PrometheusRecorder exports gateway counters and histograms. Metric names
// such as gateway.invoke.total become gateway_invoke_total.
type PrometheusRecorder struct {
	registry   *prometheus.Registry
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusRecorder(registry *prometheus.Registry) *PrometheusRecorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusRecorder{
		registry:   registry,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *PrometheusRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	counter := r.counter(metricName(name))
	if counter == nil {
		return
	}
	counter.With(labelsFor(tags)).Add(float64(value))
}

func (r *PrometheusRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	histogram := r.histogram(metricName(name))
	if histogram == nil {
		return
	}
	histogram.With(labelsFor(tags)).Observe(value)
}

func (r *PrometheusRecorder) counter(name string) *prometheus.CounterVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[name]; ok {
		return existing
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: "gateway counter " + name}, metricLabels)
	if err := r.registry.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				vec = existing
			}
		} else {
			return nil
		}
	}
	r.counters[name] = vec
	return vec
}

func (r *PrometheusRecorder) histogram(name string) *prometheus.HistogramVec {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[name]; ok {
		return existing
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    "gateway histogram " + name,
		Buckets: prometheus.ExponentialBuckets(5, 2, 14),
	}, metricLabels)
	if err := r.registry.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				vec = existing
			}
		} else {
			return nil
		}
	}
	r.histograms[name] = vec
	return vec
}

func metricName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

func labelsFor(tags map[string]string) prometheus.Labels {
	labels := make(prometheus.Labels, len(metricLabels))
	for _, key := range metricLabels {
		labels[key] = strings.TrimSpace(tags[key])
	}
	return labels
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)
