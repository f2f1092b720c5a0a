package observer

import (
	"context"

	ensemble "github.com/nevindra/ensemble"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelSink forwards engine measurements to OTEL instruments.
type otelSink struct {
	inst *Instruments
}

// NewSink returns an ensemble.Sink that forwards measurements to the
// OTEL instruments in inst. Measurements with no matching instrument
// are dropped; the in-process Collector still aggregates them.
func NewSink(inst *Instruments) ensemble.Sink {
	return &otelSink{inst: inst}
}

var _ ensemble.Sink = (*otelSink)(nil)

func (s *otelSink) Observe(m ensemble.Measurement) {
	ctx := context.Background()
	attrs := metric.WithAttributes(toAttrs(m.Labels)...)

	switch m.Name {
	case ensemble.MetricTaskCount:
		s.inst.TaskCount.Add(ctx, int64(m.Value), attrs)
	case ensemble.MetricTokensInput:
		s.inst.TokensInput.Add(ctx, int64(m.Value), attrs)
	case ensemble.MetricTokensOutput:
		s.inst.TokensOutput.Add(ctx, int64(m.Value), attrs)
	case ensemble.MetricRetryCount:
		s.inst.RetryCount.Add(ctx, int64(m.Value), attrs)
	case ensemble.MetricBreakerTransition:
		s.inst.BreakerTransitions.Add(ctx, int64(m.Value), attrs)
	case ensemble.MetricPoolBorrow:
		s.inst.PoolBorrows.Add(ctx, int64(m.Value), attrs)
	case ensemble.MetricWorkflowCount:
		s.inst.WorkflowCount.Add(ctx, int64(m.Value), attrs)
	case ensemble.MetricTaskDuration:
		s.inst.TaskDuration.Record(ctx, m.Value, attrs)
	case ensemble.MetricWorkflowDuration:
		s.inst.WorkflowDuration.Record(ctx, m.Value, attrs)
	case ensemble.MetricArtifactsPerTask:
		s.inst.ArtifactsPerTask.Record(ctx, m.Value, attrs)
	}
}

func toAttrs(labels []ensemble.Label) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		out[i] = attribute.String(l.Key, l.Value)
	}
	return out
}
