// Package instrumentation owns the OpenTelemetry instruments recorded by the
// guard, the audit recorder and the security monitor.
package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/porthorian/openguard/pkg/audit"
	"github.com/porthorian/openguard/pkg/security"
)

const meterName = "github.com/porthorian/openguard"

type Metrics struct {
	GuardDecisions metric.Int64Counter
	GuardDuration  metric.Float64Histogram

	AuditEvents        metric.Int64Counter
	AuditFlushes       metric.Int64Counter
	AuditFlushFailures metric.Int64Counter

	SecurityEvents  metric.Int64Counter
	TokenOperations metric.Int64Counter
}

var (
	_ audit.FlushObserver = (*Metrics)(nil)
	_ security.Observer   = (*Metrics)(nil)
)

// New registers every instrument on provider. A nil provider records nothing.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &Metrics{}

	var err error
	m.GuardDecisions, err = meter.Int64Counter(
		"openguard.guard.decisions",
		metric.WithDescription("Guarded operations by outcome status and the stage that decided it"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.decisions counter: %w", err)
	}

	m.GuardDuration, err = meter.Float64Histogram(
		"openguard.guard.duration",
		metric.WithDescription("Time spent in the guard chain and the guarded operation in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.duration histogram: %w", err)
	}

	m.AuditEvents, err = meter.Int64Counter(
		"openguard.audit.events",
		metric.WithDescription("Audit events handed to the sink"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events counter: %w", err)
	}

	m.AuditFlushes, err = meter.Int64Counter(
		"openguard.audit.flushes",
		metric.WithDescription("Audit batches written"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.flushes counter: %w", err)
	}

	m.AuditFlushFailures, err = meter.Int64Counter(
		"openguard.audit.flush_failures",
		metric.WithDescription("Audit batches the sink rejected"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.flush_failures counter: %w", err)
	}

	m.SecurityEvents, err = meter.Int64Counter(
		"openguard.security.events",
		metric.WithDescription("Security events recorded by the monitor"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.events counter: %w", err)
	}

	m.TokenOperations, err = meter.Int64Counter(
		"openguard.token.operations",
		metric.WithDescription("Token issue, refresh and revoke operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.operations counter: %w", err)
	}

	return m, nil
}

// RecordDecision records one guarded call. stage is empty when every
// stage passed.
func (m *Metrics) RecordDecision(ctx context.Context, operation string, status string, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GuardDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
		attribute.String("stage", stage),
	))
	m.GuardDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

func (m *Metrics) AuditFlushed(ctx context.Context, events int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AuditFlushFailures.Add(ctx, 1)
		return
	}
	m.AuditFlushes.Add(ctx, 1)
	m.AuditEvents.Add(ctx, int64(events))
}

func (m *Metrics) SecurityEvent(ctx context.Context, event security.Event) {
	if m == nil {
		return
	}
	m.SecurityEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(event.Type)),
		attribute.String("severity", string(event.Severity)),
	))
}

// RecordTokenOperation records a token lifecycle call; result is "ok" or an
// error code.
func (m *Metrics) RecordTokenOperation(ctx context.Context, operation string, result string) {
	if m == nil {
		return
	}
	m.TokenOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}
