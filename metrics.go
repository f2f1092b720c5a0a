package ensemble

import (
	"sort"
	"strings"
	"sync"
)

// Metric names emitted by the engine. The observer package maps these to
// OpenTelemetry instruments; the in-process Collector aggregates them for
// Snapshot().
const (
	MetricTaskCount          = "workflow.task.count"           // counter, labels: role, status
	MetricTaskDuration       = "workflow.task.duration_ms"     // histogram, labels: role
	MetricRetryCount         = "llm.retry.count"               // counter, labels: role
	MetricCallDuration       = "llm.call.duration_ms"          // histogram, labels: role
	MetricContextShrink      = "llm.context_shrink.count"      // counter, labels: role
	MetricBreakerTransition  = "breaker.transition.count"      // counter, labels: worker, from, to
	MetricPoolBorrow         = "pool.borrow.count"             // counter, labels: endpoint
	MetricPoolRelease        = "pool.release.count"            // counter, labels: endpoint, outcome
	MetricTokensInput        = "llm.tokens.input"              // counter, labels: role
	MetricTokensOutput       = "llm.tokens.output"             // counter, labels: role
	MetricArtifactsPerTask   = "workflow.artifacts_per_task"   // histogram, labels: role
	MetricArtifactDuplicate  = "extract.duplicate.count"       // counter
	MetricArtifactPolicy     = "extract.policy_reject.count"   // counter
	MetricFileCollision      = "workspace.collision.count"     // counter
	MetricWorkflowDuration   = "workflow.duration_ms"          // histogram, labels: type
	MetricWorkflowCount      = "workflow.count"                // counter, labels: type, status
	MetricCheckpointAppended = "checkpoint.append.count"       // counter
)

// Label is one dimension attached to a measurement.
type Label struct {
	Key   string
	Value string
}

// MeasurementKind distinguishes counters from histogram samples.
type MeasurementKind int

const (
	KindCounter MeasurementKind = iota
	KindHistogram
)

// Measurement is one metric observation, pushed to every registered Sink.
type Measurement struct {
	Name   string
	Kind   MeasurementKind
	Value  float64
	Labels []Label
}

// Sink receives every measurement as it happens. The observer package
// provides an OTEL-backed implementation; aggregation beyond Snapshot is
// out of scope for the core.
type Sink interface {
	Observe(Measurement)
}

// HistogramSummary is the pull-side aggregate of one histogram series.
type HistogramSummary struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Snapshot is a point-in-time copy of all aggregated series.
type Snapshot struct {
	Counters   map[string]int64
	Histograms map[string]HistogramSummary
}

// Collector aggregates counters and histograms in process and fans each
// measurement out to the registered sinks. A nil *Collector is valid and
// drops everything, so callers never need nil checks.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string]HistogramSummary
	sinks      []Sink
}

// NewCollector creates a Collector that pushes every measurement to the
// given sinks in addition to aggregating it.
func NewCollector(sinks ...Sink) *Collector {
	return &Collector{
		counters:   make(map[string]int64),
		histograms: make(map[string]HistogramSummary),
		sinks:      sinks,
	}
}

// Add increments a counter series.
func (c *Collector) Add(name string, delta int64, labels ...Label) {
	if c == nil {
		return
	}
	m := Measurement{Name: name, Kind: KindCounter, Value: float64(delta), Labels: labels}
	c.mu.Lock()
	c.counters[seriesKey(name, labels)] += delta
	sinks := c.sinks
	c.mu.Unlock()
	for _, s := range sinks {
		s.Observe(m)
	}
}

// Record adds one sample to a histogram series.
func (c *Collector) Record(name string, v float64, labels ...Label) {
	if c == nil {
		return
	}
	m := Measurement{Name: name, Kind: KindHistogram, Value: v, Labels: labels}
	key := seriesKey(name, labels)
	c.mu.Lock()
	h := c.histograms[key]
	if h.Count == 0 || v < h.Min {
		h.Min = v
	}
	if h.Count == 0 || v > h.Max {
		h.Max = v
	}
	h.Count++
	h.Sum += v
	c.histograms[key] = h
	sinks := c.sinks
	c.mu.Unlock()
	for _, s := range sinks {
		s.Observe(m)
	}
}

// Counter returns the current value of a counter series.
func (c *Collector) Counter(name string, labels ...Label) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[seriesKey(name, labels)]
}

// Snapshot returns a copy of all aggregated series.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Counters:   make(map[string]int64, len(c.counters)),
		Histograms: make(map[string]HistogramSummary, len(c.histograms)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.histograms {
		snap.Histograms[k] = v
	}
	return snap
}

// seriesKey builds a stable map key from a metric name and sorted labels.
func seriesKey(name string, labels []Label) string {
	if len(labels) == 0 {
		return name
	}
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	var b strings.Builder
	b.WriteString(name)
	for _, l := range sorted {
		b.WriteByte('|')
		b.WriteString(l.Key)
		b.WriteByte('=')
		b.WriteString(l.Value)
	}
	return b.String()
}
