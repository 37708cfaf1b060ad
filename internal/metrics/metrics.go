// Package metrics records backend pool activity through the OpenTelemetry
// metric API. Instruments live on the MeterProvider handed to New, or on the
// global one, which records nothing until an SDK provider is installed.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/wagiedev/ida-proxy-mcp"

// Pool holds the proxy's instruments. A nil *Pool is valid and records nothing.
type Pool struct {
	opened       metric.Int64Counter
	evicted      metric.Int64Counter
	closed       metric.Int64Counter
	crashed      metric.Int64Counter
	live         metric.Int64UpDownCounter
	spawnSeconds metric.Float64Histogram
	calls        metric.Int64Counter
	callSeconds  metric.Float64Histogram
}

// New creates the instruments on provider, or on the global MeterProvider
// when provider is nil.
func New(provider metric.MeterProvider) (*Pool, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	return NewWithMeter(provider.Meter(meterName))
}

// NewWithMeter creates the instruments on meter.
func NewWithMeter(meter metric.Meter) (*Pool, error) {
	var (
		p   Pool
		err error
	)

	if p.opened, err = meter.Int64Counter("idaproxy.sessions.opened",
		metric.WithDescription("Sessions opened")); err != nil {
		return nil, err
	}

	if p.evicted, err = meter.Int64Counter("idaproxy.sessions.evicted",
		metric.WithDescription("Sessions evicted to make room for a new one")); err != nil {
		return nil, err
	}

	if p.closed, err = meter.Int64Counter("idaproxy.sessions.closed",
		metric.WithDescription("Sessions closed by the client or at shutdown")); err != nil {
		return nil, err
	}

	if p.crashed, err = meter.Int64Counter("idaproxy.sessions.crashed",
		metric.WithDescription("Sessions lost to a backend crash")); err != nil {
		return nil, err
	}

	if p.live, err = meter.Int64UpDownCounter("idaproxy.backends.live",
		metric.WithDescription("Running backend processes")); err != nil {
		return nil, err
	}

	if p.spawnSeconds, err = meter.Float64Histogram("idaproxy.backends.spawn_duration",
		metric.WithDescription("Time from process start to readiness"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	if p.calls, err = meter.Int64Counter("idaproxy.calls",
		metric.WithDescription("Routed tool calls by outcome")); err != nil {
		return nil, err
	}

	if p.callSeconds, err = meter.Float64Histogram("idaproxy.calls.duration",
		metric.WithDescription("Routed tool call latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return &p, nil
}

// SessionOpened records a successful open.
func (p *Pool) SessionOpened(ctx context.Context) {
	if p == nil {
		return
	}

	p.opened.Add(ctx, 1)
}

// SessionEvicted records an LRU eviction.
func (p *Pool) SessionEvicted(ctx context.Context) {
	if p == nil {
		return
	}

	p.evicted.Add(ctx, 1)
}

// SessionClosed records an explicit close.
func (p *Pool) SessionClosed(ctx context.Context) {
	if p == nil {
		return
	}

	p.closed.Add(ctx, 1)
}

// SessionCrashed records a session invalidated by a backend crash.
func (p *Pool) SessionCrashed(ctx context.Context) {
	if p == nil {
		return
	}

	p.crashed.Add(ctx, 1)
}

// BackendStarted records a backend that became ready after d.
func (p *Pool) BackendStarted(ctx context.Context, d time.Duration) {
	if p == nil {
		return
	}

	p.live.Add(ctx, 1)
	p.spawnSeconds.Record(ctx, d.Seconds())
}

// BackendStopped records a backend that is gone.
func (p *Pool) BackendStopped(ctx context.Context) {
	if p == nil {
		return
	}

	p.live.Add(ctx, -1)
}

// Call records one routed tool call. outcome is "ok" or an error kind.
func (p *Pool) Call(ctx context.Context, tool, outcome string, d time.Duration) {
	if p == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)

	p.calls.Add(ctx, 1, attrs)
	p.callSeconds.Record(ctx, d.Seconds(), attrs)
}
