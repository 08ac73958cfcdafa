// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on coordinator spans and metrics.
const (
	AttrRequestID = "steward.request.id"
	AttrSessionID = "steward.session.id"

	AttrPlanID         = "steward.plan.id"
	AttrPlanTasks      = "steward.plan.tasks"
	AttrPlanStatus     = "steward.plan.status"
	AttrPlanStepBudget = "steward.plan.step_budget"
	AttrPolicyVersion  = "steward.policy.version"

	AttrTaskID       = "steward.task.id"
	AttrTaskVerb     = "steward.task.verb"
	AttrTaskStatus   = "steward.task.status"
	AttrTaskAttempt  = "steward.task.attempt"
	AttrTaskDuration = "steward.task.duration_ms"

	AttrAgentID      = "steward.agent.id"
	AttrBreakerState = "steward.breaker.state"

	AttrPolicyEffect = "steward.policy.effect"
	AttrPolicyRule   = "steward.policy.rule"

	AttrApprovalStatus = "steward.approval.status"
	AttrErrorCode      = "error.code"
)

// PlanAttributes returns attributes for plan spans.
func PlanAttributes(planID, sessionID string, tasks, stepBudget int, policyVersion uint64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPlanID, planID),
		attribute.Int(AttrPlanTasks, tasks),
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	if stepBudget > 0 {
		attrs = append(attrs, attribute.Int(AttrPlanStepBudget, stepBudget))
	}
	if policyVersion > 0 {
		attrs = append(attrs, attribute.Int64(AttrPolicyVersion, int64(policyVersion)))
	}
	return attrs
}

// TaskAttributes returns attributes for task spans and metrics.
func TaskAttributes(taskID, verb, agentID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrTaskVerb, verb),
	}
	if taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	if agentID != "" {
		attrs = append(attrs, attribute.String(AttrAgentID, agentID))
	}
	return attrs
}

// PolicyAttributes returns attributes for a policy decision.
func PolicyAttributes(effect, rule string, version uint64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPolicyEffect, effect),
		attribute.Int64(AttrPolicyVersion, int64(version)),
	}
	if rule != "" {
		attrs = append(attrs, attribute.String(AttrPolicyRule, rule))
	}
	return attrs
}
