package monitoring

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports the credvault metrics through Prometheus.
// Names ending in _seconds are histograms, everything else is a counter.
// Unknown names are ignored.
type PrometheusCollector struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusCollector registers every credvault metric with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	c := &PrometheusCollector{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	for name, labels := range metricLabels {
		if strings.HasSuffix(name, "_seconds") {
			c.histograms[name] = factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    name,
				Help:    metricHelp[name],
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			}, labels)
			continue
		}
		c.counters[name] = factory.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: metricHelp[name],
		}, labels)
	}
	return c
}

func (c *PrometheusCollector) IncrementCounter(name string, tags map[string]string) {
	vec, ok := c.counters[name]
	if !ok {
		return
	}
	vec.WithLabelValues(labelValues(name, tags)...).Inc()
}

func (c *PrometheusCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	vec, ok := c.histograms[name]
	if !ok {
		return
	}
	vec.WithLabelValues(labelValues(name, tags)...).Observe(duration.Seconds())
}

// labelValues orders tags by the metric's label set; missing tags become "".
func labelValues(name string, tags map[string]string) []string {
	labels := metricLabels[name]
	values := make([]string, len(labels))
	for i, l := range labels {
		values[i] = tags[l]
	}
	return values
}
