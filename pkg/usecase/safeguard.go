package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/async"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// SafeguardMonitor records threshold breaches and decides whether running sequences stop
type SafeguardMonitor struct {
	repo    interfaces.Repository
	alerter interfaces.Alerter
	now     func() time.Time

	mu     sync.RWMutex
	policy model.SafeguardPolicy
	active map[types.ExecutionID]types.AutomationID
}

func NewSafeguardMonitor(repo interfaces.Repository, policy model.SafeguardPolicy, alerter interfaces.Alerter, now func() time.Time) *SafeguardMonitor {
	if now == nil {
		now = time.Now
	}
	return &SafeguardMonitor{
		repo:    repo,
		alerter: alerter,
		policy:  policy,
		now:     now,
		active:  make(map[types.ExecutionID]types.AutomationID),
	}
}

// Policy returns the process-wide limits in effect
func (m *SafeguardMonitor) Policy() model.SafeguardPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// SetPolicy replaces the limits. Running executions see the new values at their next check.
func (m *SafeguardMonitor) SetPolicy(policy model.SafeguardPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = policy
}

// RecordViolation stores the violation and alerts operators about critical ones
func (m *SafeguardMonitor) RecordViolation(ctx context.Context, v *model.SafeguardViolation) error {
	if v.ID == "" {
		v.ID = types.NewViolationID()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = m.now().UTC()
	}
	if !v.Severity.IsValid() {
		return goerr.Wrap(ErrValidation, "invalid severity", goerr.V("severity", v.Severity))
	}

	if err := m.repo.Violation().Create(ctx, v); err != nil {
		return goerr.Wrap(ErrPersistence, "failed to record violation",
			goerr.V(ViolationIDKey, v.ID), goerr.V("error", err.Error()))
	}

	logging.From(ctx).Warn("safeguard violation",
		ViolationIDKey, v.ID,
		AutomationIDKey, v.AutomationID,
		ExecutionIDKey, v.ExecutionID,
		"type", v.Type,
		"severity", v.Severity,
		"message", v.Message,
	)

	if v.Severity == types.SeverityCritical && m.alerter != nil {
		copied := *v
		async.Dispatch(ctx, func(ctx context.Context) error {
			return m.alerter.Alert(ctx, &copied)
		})
	}
	return nil
}

// ResolveViolation marks a violation resolved. It returns false when it already was.
func (m *SafeguardMonitor) ResolveViolation(ctx context.Context, id types.ViolationID, resolution string) (bool, error) {
	changed, err := m.repo.Violation().Resolve(ctx, id, resolution)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return false, goerr.Wrap(ErrViolationNotFound, "violation not found", goerr.V(ViolationIDKey, id))
		}
		return false, goerr.Wrap(ErrPersistence, "failed to resolve violation",
			goerr.V(ViolationIDKey, id), goerr.V("error", err.Error()))
	}
	return changed, nil
}

// ListViolations returns violations matching filter, newest first
func (m *SafeguardMonitor) ListViolations(ctx context.Context, filter model.ViolationFilter) ([]*model.SafeguardViolation, error) {
	violations, err := m.repo.Violation().List(ctx, filter)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to list violations", goerr.V("error", err.Error()))
	}
	return violations, nil
}

// HealthScore is 100 minus 25 per unresolved critical and 5 per unresolved warning violation,
// clamped to [0, 100]
func HealthScore(unresolvedCritical, unresolvedWarning int) int {
	score := 100 - 25*unresolvedCritical - 5*unresolvedWarning
	return max(0, min(100, score))
}

// GetMetrics returns the system safety overview
func (m *SafeguardMonitor) GetMetrics(ctx context.Context) (*model.SafeguardMetrics, error) {
	all, err := m.ListViolations(ctx, model.ViolationFilter{})
	if err != nil {
		return nil, err
	}

	var critical, unresolvedCritical, unresolvedWarning int
	for _, v := range all {
		if v.Severity == types.SeverityCritical {
			critical++
		}
		if v.Resolved {
			continue
		}
		switch v.Severity {
		case types.SeverityCritical:
			unresolvedCritical++
		case types.SeverityWarning:
			unresolvedWarning++
		}
	}

	return &model.SafeguardMetrics{
		SystemHealthScore:  HealthScore(unresolvedCritical, unresolvedWarning),
		TotalViolations:    len(all),
		CriticalViolations: critical,
		ActiveExecutions:   m.ActiveExecutions(),
	}, nil
}

// ShouldStopSequence reports whether a running execution has to stop after its current step
func (m *SafeguardMonitor) ShouldStopSequence(ctx context.Context, executionID types.ExecutionID) (*model.StopDecision, error) {
	automationID, ok := m.automationOf(executionID)
	if !ok {
		exec, err := m.repo.Execution().Get(ctx, executionID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return nil, goerr.Wrap(ErrExecutionNotFound, "execution not found", goerr.V(ExecutionIDKey, executionID))
			}
			return nil, goerr.Wrap(ErrPersistence, "failed to get execution",
				goerr.V(ExecutionIDKey, executionID), goerr.V("error", err.Error()))
		}
		automationID = exec.AutomationID
	}

	unresolved, err := m.ListViolations(ctx, model.ViolationFilter{UnresolvedOnly: true})
	if err != nil {
		return nil, err
	}

	var unresolvedCritical, unresolvedWarning int
	for _, v := range unresolved {
		switch v.Severity {
		case types.SeverityCritical:
			unresolvedCritical++
			if v.ExecutionID == executionID || (automationID != "" && v.AutomationID == automationID) {
				return &model.StopDecision{
					Stop:   true,
					Reason: fmt.Sprintf("unresolved critical violation %s: %s", v.ID, v.Message),
				}, nil
			}
		case types.SeverityWarning:
			unresolvedWarning++
		}
	}

	minScore := m.Policy().MinHealthScore
	if score := HealthScore(unresolvedCritical, unresolvedWarning); score < minScore {
		return &model.StopDecision{
			Stop:   true,
			Reason: fmt.Sprintf("system health score %d is below %d", score, minScore),
		}, nil
	}
	return &model.StopDecision{}, nil
}

// CheckAudienceSize records a critical violation when size exceeds the automation's limit
func (m *SafeguardMonitor) CheckAudienceSize(ctx context.Context, automation *model.Automation, executionID types.ExecutionID, size int) (*model.SafeguardViolation, error) {
	limit := automation.Settings.Safeguards.MaxAudienceSize
	if limit == 0 {
		limit = m.Policy().DefaultMaxAudienceSize
	}
	if limit <= 0 || size <= limit {
		return nil, nil
	}

	v := &model.SafeguardViolation{
		AutomationID: automation.ID,
		ExecutionID:  executionID,
		Type:         types.ViolationTypeAudienceSize,
		Severity:     types.SeverityCritical,
		Message:      fmt.Sprintf("audience size %d exceeds limit %d", size, limit),
	}
	if err := m.RecordViolation(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CheckFailureRate records a critical violation when the step's delivery failure rate exceeds
// the automation's threshold
func (m *SafeguardMonitor) CheckFailureRate(ctx context.Context, automation *model.Automation, executionID types.ExecutionID, step *model.StepResult) (*model.SafeguardViolation, error) {
	threshold := automation.Settings.Safeguards.AlertThresholds.FailureRate
	if threshold == 0 {
		threshold = m.Policy().DefaultFailureRate
	}
	rate := step.FailureRate()
	if threshold <= 0 || rate <= threshold {
		return nil, nil
	}

	v := &model.SafeguardViolation{
		AutomationID: automation.ID,
		ExecutionID:  executionID,
		Type:         types.ViolationTypeFailureRate,
		Severity:     types.SeverityCritical,
		Message: fmt.Sprintf("step %d failure rate %.1f%% exceeds %.1f%% (%d of %d)",
			step.SequenceOrder, rate*100, threshold*100, step.Failed, step.Attempted),
	}
	if err := m.RecordViolation(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CheckConcurrency registers the execution as active, or records a violation and refuses it
// when policy.MaxConcurrentExecutions are already running
func (m *SafeguardMonitor) CheckConcurrency(ctx context.Context, automationID types.AutomationID, executionID types.ExecutionID) error {
	m.mu.Lock()
	if _, exists := m.active[executionID]; exists {
		m.mu.Unlock()
		return nil
	}
	running := len(m.active)
	maxRunning := m.policy.MaxConcurrentExecutions
	if maxRunning <= 0 || running < maxRunning {
		m.active[executionID] = automationID
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	v := &model.SafeguardViolation{
		AutomationID: automationID,
		ExecutionID:  executionID,
		Type:         types.ViolationTypeConcurrency,
		Severity:     types.SeverityWarning,
		Message:      fmt.Sprintf("%d executions already running (limit %d)", running, maxRunning),
	}
	if err := m.RecordViolation(ctx, v); err != nil {
		return err
	}
	return goerr.Wrap(ErrSafetyViolation, "too many concurrent executions",
		goerr.V(ExecutionIDKey, executionID), goerr.V("running", running))
}

// Release removes the execution from the active set
func (m *SafeguardMonitor) Release(executionID types.ExecutionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, executionID)
}

// ActiveExecutions returns the number of executions currently registered
func (m *SafeguardMonitor) ActiveExecutions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *SafeguardMonitor) automationOf(executionID types.ExecutionID) (types.AutomationID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[executionID]
	return id, ok
}
