package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/voicebridge/session"

type metrics struct {
	runs     metric.Int64Counter
	failures metric.Int64Counter
	degraded metric.Int64Counter
	stageDur metric.Float64Histogram
}

func newMetrics(active func() int64, logger *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.runs, err = meter.Int64Counter("voicebridge.runs", metric.WithDescription("Pipeline runs by outcome")); err != nil {
		logger.Warn("failed to create runs counter", slogError(err))
	}
	if m.failures, err = meter.Int64Counter("voicebridge.stage.failures", metric.WithDescription("Runs aborted by a failing stage")); err != nil {
		logger.Warn("failed to create failure counter", slogError(err))
	}
	if m.degraded, err = meter.Int64Counter("voicebridge.degraded", metric.WithDescription("Degraded but successful stage outcomes")); err != nil {
		logger.Warn("failed to create degraded counter", slogError(err))
	}
	if m.stageDur, err = meter.Float64Histogram("voicebridge.stage.duration", metric.WithUnit("s"), metric.WithDescription("Stage latency")); err != nil {
		logger.Warn("failed to create stage histogram", slogError(err))
	}

	gauge, err := meter.Int64ObservableGauge("voicebridge.sessions.active", metric.WithDescription("Enabled voice sessions"))
	if err != nil {
		logger.Warn("failed to create sessions gauge", slogError(err))
		return m
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active())
		return nil
	}, gauge)
	if err != nil {
		logger.Warn("failed to register sessions gauge", slogError(err))
	}
	return m
}

func (m *metrics) run(ctx context.Context, status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *metrics) failure(ctx context.Context, stage Stage, kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage)), attribute.String("kind", kind)))
}

func (m *metrics) degradedOutcome(ctx context.Context, stage Stage) {
	if m == nil || m.degraded == nil {
		return
	}
	m.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
}

func (m *metrics) stageDone(ctx context.Context, stage Stage, seconds float64) {
	if m == nil || m.stageDur == nil {
		return
	}
	m.stageDur.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", string(stage))))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
