package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const engineScope = "trunkline/engine"

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	tracer   trace.Tracer
	ops      metric.Int64Counter
	dur      metric.Float64Histogram
	errs     metric.Int64Counter
	leases   metric.Int64Counter
	releases metric.Int64Counter
	finalize metric.Int64Counter
}

// NewMetrics builds instruments from the current global providers, so it
// must run after Init.
func NewMetrics() *Metrics {
	m := Meter(engineScope)
	ops, _ := m.Int64Counter("trunkline.engine.operations",
		metric.WithDescription("Engine operations executed"))
	dur, _ := m.Float64Histogram("trunkline.engine.operation.duration",
		metric.WithDescription("Engine operation duration in milliseconds"),
		metric.WithUnit("ms"))
	errs, _ := m.Int64Counter("trunkline.engine.errors",
		metric.WithDescription("Engine operations that returned an error"))
	leases, _ := m.Int64Counter("trunkline.lease.decisions",
		metric.WithDescription("Lease acquire answers by decision"))
	releases, _ := m.Int64Counter("trunkline.lease.releases",
		metric.WithDescription("Lease releases by reason"))
	finalize, _ := m.Int64Counter("trunkline.finalize.outcomes",
		metric.WithDescription("Finalize attempts by outcome code"))
	return &Metrics{
		tracer:   Tracer(engineScope),
		ops:      ops,
		dur:      dur,
		errs:     errs,
		leases:   leases,
		releases: releases,
		finalize: finalize,
	}
}

// Start opens a span for op. The returned func ends it and records the
// operation's count, duration and error.
func (m *Metrics) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if m == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		set := metric.WithAttributes(attribute.String("op", op))
		m.ops.Add(ctx, 1, set)
		m.dur.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, set)
		if err != nil {
			m.errs.Add(ctx, 1, set)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (m *Metrics) LeaseDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.leases.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) LeaseReleased(ctx context.Context, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.releases.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) FinalizeOutcome(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.finalize.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
