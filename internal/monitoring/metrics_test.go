package monitoring

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNoOpMetricsCollector(t *testing.T) {
	collector := OrNoOp(nil)
	assert.NotPanics(t, func() {
		collector.IncrementCounter(MetricRotations, map[string]string{"status": "success"})
		collector.RecordTiming(MetricRotationDuration, time.Second, nil)
	})
}

func TestInMemoryMetricsCollector(t *testing.T) {
	collector := NewInMemoryMetricsCollector()
	tags := map[string]string{"type": "access", "status": "valid"}

	collector.IncrementCounter(MetricTokenVerifications, tags)
	collector.IncrementCounter(MetricTokenVerifications, map[string]string{"status": "valid", "type": "access"})
	collector.RecordTiming(MetricBackendDuration, 20*time.Millisecond, map[string]string{"backend": "vault"})

	assert.Equal(t, int64(2), collector.GetCounter(MetricTokenVerifications, tags), "tag order must not matter")
	assert.Equal(t, int64(0), collector.GetCounter(MetricTokenVerifications, nil))
	assert.Equal(t, []time.Duration{20 * time.Millisecond},
		collector.GetTimings(MetricBackendDuration, map[string]string{"backend": "vault"}))

	collector.Reset()
	assert.Equal(t, int64(0), collector.GetCounter(MetricTokenVerifications, tags))
}

func TestInMemoryMetricsCollector_Concurrent(t *testing.T) {
	collector := NewInMemoryMetricsCollector()
	tags := map[string]string{"source": "cache"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter(MetricSecretLookups, tags)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), collector.GetCounter(MetricSecretLookups, tags))
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewPrometheusCollector(reg)

	collector.IncrementCounter(MetricRotations, map[string]string{"status": "success"})
	collector.IncrementCounter(MetricRotations, map[string]string{"status": "success"})
	collector.IncrementCounter(MetricRotations, map[string]string{"status": "failure"})
	collector.RecordTiming(MetricRotationDuration, 2*time.Second, map[string]string{"status": "success"})
	collector.IncrementCounter("not_a_credvault_metric", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.counters[MetricRotations].WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.counters[MetricRotations].WithLabelValues("failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.histograms[MetricRotationDuration]))
}
