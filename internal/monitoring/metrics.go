package monitoring

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names recorded by the credential subsystem. Each name has a fixed
// label set, see metricLabels.
const (
	MetricSecretLookups      = "credvault_secret_lookups_total"
	MetricBackendErrors      = "credvault_backend_errors_total"
	MetricBackendDuration    = "credvault_backend_duration_seconds"
	MetricEnvelopeOperations = "credvault_envelope_operations_total"
	MetricPasswordOperations = "credvault_password_operations_total"
	MetricTokensIssued       = "credvault_tokens_issued_total"
	MetricTokenVerifications = "credvault_token_verifications_total"
	MetricTokenRevocations   = "credvault_token_revocations_total"
	MetricRotations          = "credvault_rotations_total"
	MetricRotationDuration   = "credvault_rotation_duration_seconds"
)

var metricLabels = map[string][]string{
	MetricSecretLookups:      {"source"},
	MetricBackendErrors:      {"backend", "operation"},
	MetricBackendDuration:    {"backend", "operation"},
	MetricEnvelopeOperations: {"operation", "mode", "status"},
	MetricPasswordOperations: {"operation", "algorithm", "status"},
	MetricTokensIssued:       {"type"},
	MetricTokenVerifications: {"type", "status"},
	MetricTokenRevocations:   {"scope"},
	MetricRotations:          {"status"},
	MetricRotationDuration:   {"status"},
}

var metricHelp = map[string]string{
	MetricSecretLookups:      "Secret lookups by the resolver that answered",
	MetricBackendErrors:      "Failed calls to a secret backend or KMS",
	MetricBackendDuration:    "Duration of secret backend and KMS calls in seconds",
	MetricEnvelopeOperations: "Envelope encryption operations",
	MetricPasswordOperations: "Password hash and verify operations",
	MetricTokensIssued:       "Tokens issued by type",
	MetricTokenVerifications: "Token verifications by type and outcome",
	MetricTokenRevocations:   "Refresh token revocations",
	MetricRotations:          "Secret rotations by outcome",
	MetricRotationDuration:   "Duration of secret rotations in seconds",
}

// MetricsCollector defines the interface for collecting and reporting metrics
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordTiming(name string, duration time.Duration, tags map[string]string)
}

// OrNoOp returns m, or a no-op collector when m is nil.
func OrNoOp(m MetricsCollector) MetricsCollector {
	if m == nil {
		return NoOpMetricsCollector{}
	}
	return m
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) IncrementCounter(string, map[string]string) {}

func (NoOpMetricsCollector) RecordTiming(string, time.Duration, map[string]string) {}

// InMemoryMetricsCollector is an in-memory implementation for testing
type InMemoryMetricsCollector struct {
	mu       sync.RWMutex
	counters map[string]int64
	timings  map[string][]time.Duration
}

// NewInMemoryMetricsCollector creates a new in-memory metrics collector
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters: make(map[string]int64),
		timings:  make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	key := keyWithTags(name, tags)
	m.mu.Lock()
	m.counters[key]++
	m.mu.Unlock()
}

func (m *InMemoryMetricsCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	key := keyWithTags(name, tags)
	m.mu.Lock()
	m.timings[key] = append(m.timings[key], duration)
	m.mu.Unlock()
}

// GetCounter returns the value of a counter
func (m *InMemoryMetricsCollector) GetCounter(name string, tags map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[keyWithTags(name, tags)]
}

// GetTimings returns all recorded timings
func (m *InMemoryMetricsCollector) GetTimings(name string, tags map[string]string) []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.timings[keyWithTags(name, tags)]
	out := make([]time.Duration, len(src))
	copy(out, src)
	return out
}

// Reset clears all metrics
func (m *InMemoryMetricsCollector) Reset() {
	m.mu.Lock()
	m.counters = make(map[string]int64)
	m.timings = make(map[string][]time.Duration)
	m.mu.Unlock()
}

// keyWithTags sorts tags so the same set always yields the same key.
func keyWithTags(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}
