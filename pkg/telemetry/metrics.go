// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/steward/pkg/errors"
)

// Metrics holds the coordinator instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	taskCounter     metric.Int64Counter
	taskDuration    metric.Float64Histogram
	planCounter     metric.Int64Counter
	planDuration    metric.Float64Histogram
	breakerGauge    metric.Int64Gauge
	approvalCounter metric.Int64Counter
	policyCounter   metric.Int64Counter
	errorCounter    metric.Int64Counter
	registryAgents  metric.Int64Gauge
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("steward/coordinator"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.taskCounter, err = meter.Int64Counter(
		"steward.tasks.total",
		metric.WithDescription("Finished tasks by verb and status"),
	); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"steward.task.duration",
		metric.WithDescription("Task duration from first dispatch to terminal state"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.planCounter, err = meter.Int64Counter(
		"steward.plans.total",
		metric.WithDescription("Processed requests by final status"),
	); err != nil {
		return nil, err
	}
	if m.planDuration, err = meter.Float64Histogram(
		"steward.plan.duration",
		metric.WithDescription("End to end plan execution time"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.breakerGauge, err = meter.Int64Gauge(
		"steward.breaker.state",
		metric.WithDescription("Circuit breaker state per agent (0=open, 1=half-open, 2=closed)"),
	); err != nil {
		return nil, err
	}
	if m.approvalCounter, err = meter.Int64Counter(
		"steward.approvals.total",
		metric.WithDescription("Approval requests by terminal status"),
	); err != nil {
		return nil, err
	}
	if m.policyCounter, err = meter.Int64Counter(
		"steward.policy.decisions",
		metric.WithDescription("Policy decisions by effect"),
	); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter(
		"steward.errors.total",
		metric.WithDescription("Errors by code and component"),
	); err != nil {
		return nil, err
	}
	if m.registryAgents, err = meter.Int64Gauge(
		"steward.registry.agents",
		metric.WithDescription("Registered agents"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTask counts a finished task and its duration.
func (m *Metrics) RecordTask(ctx context.Context, verb, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrTaskVerb, verb),
		attribute.String(AttrTaskStatus, status),
	)
	m.taskCounter.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordPlan counts a processed request.
func (m *Metrics) RecordPlan(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrPlanStatus, status))
	m.planCounter.Add(ctx, 1, attrs)
	m.planDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordBreakerState records the breaker level for an agent.
func (m *Metrics) RecordBreakerState(ctx context.Context, agentID string, level int64) {
	if m == nil {
		return
	}
	m.breakerGauge.Record(ctx, level, metric.WithAttributes(attribute.String(AttrAgentID, agentID)))
}

// RecordApproval counts an approval that reached status.
func (m *Metrics) RecordApproval(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.approvalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrApprovalStatus, status)))
}

// RecordSweep counts approvals expired by a background sweep.
func (m *Metrics) RecordSweep(ctx context.Context, expired int) {
	if m == nil || expired <= 0 {
		return
	}
	m.approvalCounter.Add(ctx, int64(expired), metric.WithAttributes(
		attribute.String(AttrApprovalStatus, "expired"),
		attribute.String("source", "sweeper"),
	))
}

// RecordPolicyDecision counts a policy evaluation.
func (m *Metrics) RecordPolicyDecision(ctx context.Context, effect string) {
	if m == nil {
		return
	}
	m.policyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPolicyEffect, effect)))
}

// RecordRegistrySize records the number of registered agents.
func (m *Metrics) RecordRegistrySize(ctx context.Context, agents int) {
	if m == nil {
		return
	}
	m.registryAgents.Record(ctx, int64(agents))
}

// RecordError counts err under component. Untyped errors are counted as UNKNOWN.
func (m *Metrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := "UNKNOWN"
	recoverable := "unknown"
	if e, ok := errors.As(err); ok {
		code = string(e.Code)
		recoverable = e.RecoverableString()
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}
