package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/shipd/internal/engine"

// Metrics holds the orchestration loop instruments.
type Metrics struct {
	logger *zap.Logger

	eventsProcessed  metric.Int64Counter
	transitions      metric.Int64Counter
	dispatchAttempts metric.Int64Counter
	runsFailed       metric.Int64Counter
	cycleDur         metric.Float64Histogram
}

// NewMetrics creates the loop instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}
	meter := otel.Meter(instrumentationName)
	var err error

	m.eventsProcessed, err = meter.Int64Counter(
		"shipd.loop.events_processed_total",
		metric.WithDescription("Events consumed by the orchestration loop, labeled by outcome (applied, duplicate, no_match, unknown_run)."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.logger.Warn("failed to create events counter", zap.Error(err))
	}

	m.transitions, err = meter.Int64Counter(
		"shipd.loop.transitions_total",
		metric.WithDescription("Run state transitions persisted, labeled by target state."),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.logger.Warn("failed to create transitions counter", zap.Error(err))
	}

	m.dispatchAttempts, err = meter.Int64Counter(
		"shipd.dispatch.attempts_total",
		metric.WithDescription("Action dispatch attempts, labeled by action and outcome."),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		m.logger.Warn("failed to create dispatch counter", zap.Error(err))
	}

	m.runsFailed, err = meter.Int64Counter(
		"shipd.runs.failed_total",
		metric.WithDescription("Runs moved to the failed state, labeled by error code."),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.logger.Warn("failed to create failures counter", zap.Error(err))
	}

	m.cycleDur, err = meter.Float64Histogram(
		"shipd.loop.cycle_duration_seconds",
		metric.WithDescription("Orchestration loop poll cycle duration in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	if err != nil {
		m.logger.Warn("failed to create cycle histogram", zap.Error(err))
	}
	return m
}

func (m *Metrics) event(ctx context.Context, outcome string) {
	if m == nil || m.eventsProcessed == nil {
		return
	}
	m.eventsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) transition(ctx context.Context, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

func (m *Metrics) dispatch(ctx context.Context, action, outcome string) {
	if m == nil || m.dispatchAttempts == nil {
		return
	}
	m.dispatchAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) runFailed(ctx context.Context, code string) {
	if m == nil || m.runsFailed == nil {
		return
	}
	m.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) cycle(ctx context.Context, d time.Duration) {
	if m == nil || m.cycleDur == nil {
		return
	}
	m.cycleDur.Record(ctx, d.Seconds())
}
