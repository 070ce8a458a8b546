// Package telemetry owns the OpenTelemetry metric instruments of the engine.
// When disabled every instrument is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const MeterName = "rouse"

// Provider wraps the meter provider with its reader and cleanup.
type Provider struct {
	Meter    metric.Meter
	reader   *sdkmetric.ManualReader
	shutdown func(context.Context) error
}

// Init returns an SDK-backed provider when enabled, a no-op one otherwise.
func Init(ctx context.Context, enabled bool) (*Provider, error) {
	if !enabled {
		return &Provider{
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("rouse")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return &Provider{
		Meter:    mp.Meter(MeterName),
		reader:   reader,
		shutdown: mp.Shutdown,
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Snapshot collects the current value of every counter, keyed by
// "<name>{attr=value,...}". Returns an empty map when telemetry is disabled.
func (p *Provider) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	if p.reader == nil {
		return out, nil
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name, dp.Attributes)] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[seriesKey(m.Name+".count", dp.Attributes)] += int64(dp.Count)
				}
			}
		}
	}
	return out, nil
}

func seriesKey(name string, attrs attribute.Set) string {
	if attrs.Len() == 0 {
		return name
	}
	key := name + "{"
	iter := attrs.Iter()
	for i := 0; iter.Next(); i++ {
		kv := iter.Attribute()
		if i > 0 {
			key += ","
		}
		key += string(kv.Key) + "=" + kv.Value.Emit()
	}
	return key + "}"
}

// Metrics holds the engine's instruments.
type Metrics struct {
	Registrations   metric.Int64Counter
	ChannelFailures metric.Int64Counter
	Triggers        metric.Int64Counter
	MissionAttempts metric.Int64Counter
	SyncPulls       metric.Int64Counter
	SyncDuration    metric.Float64Histogram
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Registrations, err = meter.Int64Counter("rouse.schedule.registrations",
		metric.WithDescription("Channel registrations created"),
	)
	if err != nil {
		return nil, err
	}

	m.ChannelFailures, err = meter.Int64Counter("rouse.schedule.failures",
		metric.WithDescription("Channel registrations refused"),
	)
	if err != nil {
		return nil, err
	}

	m.Triggers, err = meter.Int64Counter("rouse.delivery.triggers",
		metric.WithDescription("Channel deliveries received by the router"),
	)
	if err != nil {
		return nil, err
	}

	m.MissionAttempts, err = meter.Int64Counter("rouse.mission.attempts",
		metric.WithDescription("Mission answers checked"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncPulls, err = meter.Int64Counter("rouse.sync.pulls",
		metric.WithDescription("Reconciliation pulls"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("rouse.sync.duration",
		metric.WithDescription("Reconciliation pull duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns instruments that record nothing. Useful as a default for
// components built without telemetry.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) Registered(ctx context.Context, source string, n int) {
	if n == 0 {
		return
	}
	m.Registrations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("channel", source)))
}

func (m *Metrics) ChannelFailed(ctx context.Context, source string) {
	m.ChannelFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", source)))
}

func (m *Metrics) Triggered(ctx context.Context, source string, duplicate bool) {
	m.Triggers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", source),
		attribute.Bool("duplicate", duplicate),
	))
}

func (m *Metrics) MissionAttempt(ctx context.Context, kind, outcome string) {
	m.MissionAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mission", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) SyncPull(ctx context.Context, result string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.SyncPulls.Add(ctx, 1, attrs)
	m.SyncDuration.Record(ctx, d.Seconds(), attrs)
}
