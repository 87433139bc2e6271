package uploadgw

import (
	"context"
	"time"

	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
)

// ObservabilityParams holds optional observability dependencies.
type ObservabilityParams struct {
	Metrics metricsx.Metrics `optional:"true"`
	Tracer  tracingx.Tracer  `optional:"true"`
}

// Instrumenter wraps gateway operations with metrics and tracing.
type Instrumenter struct {
	metrics metricsx.Metrics
	tracer  tracingx.Tracer
}

// NewInstrumenter creates a new instrumenter with optional metrics and tracing.
func NewInstrumenter(metrics metricsx.Metrics, tracer tracingx.Tracer) *Instrumenter {
	return &Instrumenter{
		metrics: metrics,
		tracer:  tracer,
	}
}

// TraceOperation wraps an operation with tracing and metrics.
func (i *Instrumenter) TraceOperation(ctx context.Context, operation, id string, fn func(ctx context.Context) error) error {
	var span tracingx.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "uploadgw."+operation,
			tracingx.WithSpanKind(tracingx.SpanKindServer),
			tracingx.WithAttributes(map[string]any{
				"uploadgw.operation": operation,
				"uploadgw.id":        id,
			}),
		)
		defer span.End()
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	if i.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}

		i.metrics.Counter("uploadgw_operations_total",
			metricsx.WithHelp("Total number of gateway operations"),
			metricsx.WithLabels("operation", "status"),
		).Inc(operation, status)

		i.metrics.Histogram("uploadgw_operation_duration_seconds",
			metricsx.WithHelp("Gateway operation duration in seconds"),
			metricsx.WithLabels("operation"),
			metricsx.WithBuckets(.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60),
		).Observe(duration, operation)
	}

	if span != nil && err != nil {
		span.SetError(err)
	}

	return err
}

// RecordUploadSize records the declared or received size of an upload chunk.
func (i *Instrumenter) RecordUploadSize(operation string, size int64) {
	if i.metrics != nil {
		i.metrics.Histogram("uploadgw_upload_bytes",
			metricsx.WithHelp("Upload chunk size in bytes"),
			metricsx.WithLabels("operation"),
			metricsx.WithBuckets(1024, 10240, 102400, 1024000, 10240000, 104857600, 1073741824, 10737418240),
		).Observe(float64(size), operation)
	}
}

// RecordFinalization records the outcome of a single-file or multipart
// finalization attempt (spec §4.4).
func (i *Instrumenter) RecordFinalization(kind, outcome string) {
	if i.metrics != nil {
		i.metrics.Counter("uploadgw_finalizations_total",
			metricsx.WithHelp("Total number of finalization attempts"),
			metricsx.WithLabels("kind", "outcome"),
		).Inc(kind, outcome)
	}
}

// RecordAssemblyParts records the part count of a completed multipart
// assembly (spec §4.4).
func (i *Instrumenter) RecordAssemblyParts(partCount int) {
	if i.metrics != nil {
		i.metrics.Histogram("uploadgw_assembly_parts",
			metricsx.WithHelp("Number of parts in a completed multipart assembly"),
			metricsx.WithBuckets(1, 2, 5, 10, 25, 50, 100, 250, 500),
		).Observe(float64(partCount))
	}
}

// RecordReaperSweep records the outcome of a single reaper pass (spec §4.5).
func (i *Instrumenter) RecordReaperSweep(evictedCount int) {
	if i.metrics != nil {
		i.metrics.Counter("uploadgw_reaper_sweeps_total",
			metricsx.WithHelp("Total number of reaper sweeps"),
		).Inc()

		if evictedCount > 0 {
			i.metrics.Counter("uploadgw_reaper_evictions_total",
				metricsx.WithHelp("Total number of stale assemblies evicted by the reaper"),
			).Add(float64(evictedCount))
		}
	}
}

// RecordFailureRegistry records the size of the in-memory failure registry
// after a mutation, giving operators a gauge-like signal via a histogram
// sample stream (metricsx exposes no Gauge primitive in this corpus).
func (i *Instrumenter) RecordFailureRegistry(size int) {
	if i.metrics != nil {
		i.metrics.Histogram("uploadgw_failed_uploads",
			metricsx.WithHelp("Number of uploads currently in the failure registry"),
			metricsx.WithBuckets(0, 1, 5, 10, 25, 50, 100, 500),
		).Observe(float64(size))
	}
}

// RecordRetry records an operator-initiated or automatic retry of a failed
// finalization.
func (i *Instrumenter) RecordRetry(outcome string) {
	if i.metrics != nil {
		i.metrics.Counter("uploadgw_retries_total",
			metricsx.WithHelp("Total number of finalization retries"),
			metricsx.WithLabels("outcome"),
		).Inc(outcome)
	}
}
