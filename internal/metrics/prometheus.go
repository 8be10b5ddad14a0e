package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type counterDef struct {
	help   string
	labels []string
}

var counterDefs = map[string]counterDef{
	JobsDispatched:        {"Jobs handed to the execution bridge", nil},
	JobsCompleted:         {"Jobs that reached completed", nil},
	JobsFailed:            {"Jobs that reached terminal failed", nil},
	RetriesScheduled:      {"Failed attempts rescheduled with backoff", nil},
	IdempotencyHits:       {"Job creations answered from an existing job", nil},
	IdempotencyCollisions: {"Idempotency keys reused with a different payload", nil},
	IntegrityFailures:     {"Cached results that failed hash verification", nil},
	HashWrites:            {"Result hashes computed and stored", nil},
	Backpressure:          {"Requests or passes refused by backpressure", []string{"reason"}},
	RateLimited:           {"Dispatch attempts refused by the per-source limiter", []string{"source"}},
	ChainSpecsRegistered:  {"Follow-up specs inserted into chains", nil},
	ChainSpecsDispatched:  {"Chain specs turned into jobs", nil},
	ClaimContention:       {"Claims lost to a concurrent claimant", nil},
	LeasesReaped:          {"Expired job leases returned to pending", nil},
}

var gaugeDefs = map[string]string{
	InflightJobs: "Jobs currently working or running",
	PendingJobs:  "Jobs currently pending",
}

// Prometheus is a Sink backed by a dedicated prometheus registry.
type Prometheus struct {
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec

	mu      sync.Mutex
	dynamic map[string]*prometheus.CounterVec
}

// NewPrometheus registers the known series on reg. A nil reg gets a fresh
// registry.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prometheus{
		reg:      reg,
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		dynamic:  map[string]*prometheus.CounterVec{},
	}
	for name, def := range counterDefs {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: def.help}, def.labels)
		reg.MustRegister(vec)
		p.counters[name] = vec
	}
	for name, help := range gaugeDefs {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, nil)
		reg.MustRegister(vec)
		p.gauges[name] = vec
	}
	return p
}

func (p *Prometheus) Inc(name string, labels Labels) {
	vec, ok := p.counters[name]
	if !ok {
		vec = p.dynamicCounter(name, labels)
		if vec == nil {
			return
		}
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (p *Prometheus) SetGauge(name string, labels Labels, value float64) {
	vec, ok := p.gauges[name]
	if !ok {
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Set(value)
}

// dynamicCounter registers counters that are not part of the fixed set,
// keyed by name with the label names of the first observation.
func (p *Prometheus) dynamicCounter(name string, labels Labels) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.dynamic[name]; ok {
		return vec
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, names)
	if err := p.reg.Register(vec); err != nil {
		return nil
	}
	p.dynamic[name] = vec
	return vec
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.reg
}

// Handler serves the registry in the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}
