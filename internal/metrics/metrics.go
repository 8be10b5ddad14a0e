// Package metrics defines the sink the schedulers report to. Nothing in
// the module keeps process-wide counters; every component receives a Sink.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

const (
	JobsDispatched        = "missionline_jobs_dispatched_total"
	JobsCompleted         = "missionline_jobs_completed_total"
	JobsFailed            = "missionline_jobs_failed_total"
	RetriesScheduled      = "missionline_retries_scheduled_total"
	IdempotencyHits       = "missionline_idempotency_hits_total"
	IdempotencyCollisions = "missionline_idempotency_collisions_total"
	IntegrityFailures     = "missionline_integrity_failures_total"
	HashWrites            = "missionline_hash_writes_total"
	Backpressure          = "missionline_backpressure_total"
	RateLimited           = "missionline_rate_limited_total"
	ChainSpecsRegistered  = "missionline_chain_specs_registered_total"
	ChainSpecsDispatched  = "missionline_chain_specs_dispatched_total"
	ClaimContention       = "missionline_claim_contention_total"
	LeasesReaped          = "missionline_leases_reaped_total"
	InflightJobs          = "missionline_inflight_jobs"
	PendingJobs           = "missionline_pending_jobs"
)

// Labels are optional metric dimensions.
type Labels map[string]string

// Sink receives counter increments and gauge updates.
type Sink interface {
	Inc(name string, labels Labels)
	SetGauge(name string, labels Labels, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Inc(string, Labels)               {}
func (Nop) SetGauge(string, Labels, float64) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Memory is an in-process Sink, handy for tests and the status command.
type Memory struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func NewMemory() *Memory {
	return &Memory{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (m *Memory) Inc(name string, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key(name, labels)]++
}

func (m *Memory) SetGauge(name string, labels Labels, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key(name, labels)] = value
}

// Counter returns the current value of a counter series.
func (m *Memory) Counter(name string, labels Labels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key(name, labels)]
}

// Gauge returns the current value of a gauge series.
func (m *Memory) Gauge(name string, labels Labels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key(name, labels)]
}

func key(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}
