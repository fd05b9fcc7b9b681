package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// TimerFunc arms f to run after d and returns a function that disarms it
type TimerFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

var errClaimLost = errors.New("fire claimed elsewhere")

// DefaultOrphanAfter is how long an execution of another instance may go without progress
// before Restore takes it over
const DefaultOrphanAfter = time.Hour

// executionNamespace derives execution IDs from (automation, fire time) so every instance
// agrees on the ID of a given run
var executionNamespace = uuid.MustParse("8f0d6c1e-4b8a-4f7e-9a51-0c2b7d5e3f10")

func executionIDFor(automationID types.AutomationID, runAt time.Time) types.ExecutionID {
	name := string(automationID) + "|" + runAt.UTC().Format(time.RFC3339)
	return types.ExecutionID(uuid.NewSHA1(executionNamespace, []byte(name)).String())
}

// EngineState is the process-local part of the engine. Timers are a cache of the Automation
// Store and can be rebuilt with Restore at any time.
type EngineState struct {
	InstanceID types.InstanceID

	mu     sync.Mutex
	timers map[types.AutomationID]*armedTimer
}

type armedTimer struct {
	stop   func() bool
	fireAt time.Time
	runAt  time.Time
}

// Armed returns the run time of every armed timer
func (s *EngineState) Armed() map[types.AutomationID]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	armed := make(map[types.AutomationID]time.Time, len(s.timers))
	for id, t := range s.timers {
		armed[id] = t.runAt
	}
	return armed
}

// TimerCount returns the number of armed timers
func (s *EngineState) TimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// AutomationEngine owns automation schedules and hands due automations to the executor
type AutomationEngine struct {
	repo     interfaces.Repository
	executor  *SequenceExecutor
	audience  *AudienceProcessor
	safeguard *SafeguardMonitor
	state     *EngineState
	now       func() time.Time
	timer     TimerFunc

	orphanAfter time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	closed bool
}

func newAutomationEngine(uc *UseCases) *AutomationEngine {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &AutomationEngine{
		repo:      uc.repo,
		executor:  uc.Executor,
		audience:  uc.Audience,
		safeguard: uc.Safeguard,
		state: &EngineState{
			InstanceID: uc.instanceID,
			timers:     make(map[types.AutomationID]*armedTimer),
		},
		now:         uc.now,
		timer:       uc.timer,
		orphanAfter: uc.orphanAfter,
		ctx:         logging.With(ctx, logging.Default().With("instance_id", string(uc.instanceID))),
		cancel:      cancel,
	}
}

// State returns the process-local engine state
func (e *AutomationEngine) State() *EngineState {
	return e.state
}

func (e *AutomationEngine) getAutomation(ctx context.Context, id types.AutomationID) (*model.Automation, error) {
	a, err := e.repo.Automation().Get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, goerr.Wrap(ErrAutomationNotFound, "automation not found", goerr.V(AutomationIDKey, id))
		}
		return nil, goerr.Wrap(ErrPersistence, "failed to get automation",
			goerr.V(AutomationIDKey, id), goerr.V("error", err.Error()))
	}
	return a, nil
}

// updateAutomation maps store errors to use case errors; errors returned by mutate pass through
func (e *AutomationEngine) updateAutomation(ctx context.Context, id types.AutomationID, mutate func(a *model.Automation) error) (*model.Automation, error) {
	var mutateErr error
	a, err := e.repo.Automation().Update(ctx, id, func(a *model.Automation) error {
		mutateErr = mutate(a)
		return mutateErr
	})
	if err == nil {
		return a, nil
	}
	if mutateErr != nil {
		return nil, mutateErr
	}
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, goerr.Wrap(ErrAutomationNotFound, "automation not found", goerr.V(AutomationIDKey, id))
	}
	return nil, goerr.Wrap(ErrPersistence, "failed to update automation",
		goerr.V(AutomationIDKey, id), goerr.V("error", err.Error()))
}

func (e *AutomationEngine) transition(a *model.Automation, next types.AutomationStatus, reason string) error {
	if a.Status == next {
		return nil
	}
	if !a.Status.CanTransitionTo(next) {
		return goerr.Wrap(ErrStatusConflict, "status transition not allowed",
			goerr.V(AutomationIDKey, a.ID), goerr.V("from", a.Status), goerr.V("to", next))
	}
	now := e.now().UTC()
	a.Status = next
	a.Metadata.StatusReason = reason
	a.Metadata.StatusChangedAt = &now
	return nil
}

// Schedule computes the next fire time of the automation, persists it and arms a timer
func (e *AutomationEngine) Schedule(ctx context.Context, id types.AutomationID) (*model.ScheduleResult, error) {
	a, err := e.getAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, goerr.Wrap(ErrValidation, err.Error(), goerr.V(AutomationIDKey, id))
	}

	next, err := a.Schedule.NextFireTime(e.now())
	if err != nil {
		return nil, goerr.Wrap(ErrValidation, err.Error(), goerr.V(AutomationIDKey, id))
	}

	updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
		if err := e.transition(a, types.AutomationStatusScheduled, "scheduled"); err != nil {
			return err
		}
		a.Metadata.NextRunAt = &next
		a.Metadata.ScheduledBy = e.state.InstanceID
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.arm(updated, next)
	logging.From(ctx).Info("automation scheduled", AutomationIDKey, id, "next_fire_time", next)
	return &model.ScheduleResult{Success: true, NextFireTime: &next}, nil
}

// arm replaces the timer of the automation. With a lead time the timer fires early to
// prepare the audience and the hand-off happens at runAt.
func (e *AutomationEngine) arm(a *model.Automation, runAt time.Time) {
	e.armAt(a.ID, runAt.Add(-a.Schedule.LeadTime()), runAt)
}

func (e *AutomationEngine) armAt(id types.AutomationID, fireAt, runAt time.Time) {
	delay := max(fireAt.Sub(e.now()), 0)

	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	if e.closed {
		return
	}
	if old, ok := e.state.timers[id]; ok {
		old.stop()
	}
	e.state.timers[id] = &armedTimer{
		fireAt: fireAt,
		runAt:  runAt,
		stop:   e.timer(delay, func() { e.onTimer(id, runAt) }),
	}
}

func (e *AutomationEngine) disarm(id types.AutomationID) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	if t, ok := e.state.timers[id]; ok {
		t.stop()
		delete(e.state.timers, id)
	}
}

func (e *AutomationEngine) onTimer(id types.AutomationID, runAt time.Time) {
	e.state.mu.Lock()
	if e.closed {
		e.state.mu.Unlock()
		return
	}
	if t, ok := e.state.timers[id]; ok && t.runAt.Equal(runAt) {
		delete(e.state.timers, id)
	}
	e.wg.Add(1)
	e.state.mu.Unlock()
	defer e.wg.Done()

	ctx := e.ctx
	logger := logging.From(ctx).With(AutomationIDKey, string(id))

	if wait := runAt.Sub(e.now()); wait > 0 {
		a, err := e.getAutomation(ctx, id)
		if err != nil {
			logger.Error("failed to load automation for preparation", "error", err.Error())
			return
		}
		if a.Status != types.AutomationStatusScheduled {
			return
		}
		e.prepareAudience(ctx, a, runAt)
		e.armAt(id, runAt, runAt)
		return
	}

	if _, err := e.fire(ctx, id, runAt); err != nil && !errors.Is(err, errClaimLost) {
		logger.Error("automation fire failed", "error", err.Error())
	}
}

func (e *AutomationEngine) prepareAudience(ctx context.Context, a *model.Automation, runAt time.Time) {
	execID := executionIDFor(a.ID, runAt)
	if _, err := e.audience.GenerateAudience(ctx, execID, a.ID, a.AudienceCriteria); err != nil {
		// the executor generates again at hand-off
		logging.From(ctx).Warn("audience preparation failed", AutomationIDKey, a.ID, "error", err.Error())
		return
	}
	logging.From(ctx).Info("audience prepared ahead of run", AutomationIDKey, a.ID, ExecutionIDKey, execID, "run_at", runAt)
}

// Fire runs a due automation unless another instance already claimed the run
func (e *AutomationEngine) Fire(ctx context.Context, id types.AutomationID) (*model.ExecutionResult, error) {
	a, err := e.getAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != types.AutomationStatusScheduled || a.Metadata.NextRunAt == nil {
		return nil, goerr.Wrap(ErrStatusConflict, "automation is not scheduled",
			goerr.V(AutomationIDKey, id), goerr.V(StatusKey, a.Status))
	}
	if a.Metadata.NextRunAt.After(e.now()) {
		return nil, goerr.Wrap(ErrStatusConflict, "automation is not due yet",
			goerr.V(AutomationIDKey, id), goerr.V("next_run_at", *a.Metadata.NextRunAt))
	}
	e.disarm(id)

	result, err := e.fire(ctx, id, *a.Metadata.NextRunAt)
	if errors.Is(err, errClaimLost) {
		return nil, goerr.Wrap(ErrStatusConflict, "run already claimed", goerr.V(AutomationIDKey, id))
	}
	return result, err
}

func (e *AutomationEngine) fire(ctx context.Context, id types.AutomationID, runAt time.Time) (*model.ExecutionResult, error) {
	logger := logging.From(ctx).With(AutomationIDKey, string(id))

	claimed, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
		if a.Status != types.AutomationStatusScheduled || a.Metadata.NextRunAt == nil || !a.Metadata.NextRunAt.Equal(runAt) {
			return errClaimLost
		}
		a.Metadata.ScheduledBy = e.state.InstanceID
		return e.transition(a, types.AutomationStatusRunning, "fired")
	})
	if err != nil {
		if errors.Is(err, errClaimLost) {
			logger.Info("run claimed by another instance or rescheduled", "run_at", runAt)
		}
		return nil, err
	}

	execID := executionIDFor(id, runAt)
	useCache := claimed.Schedule.LeadTimeMinutes > 0
	logger.Info("automation fired", ExecutionIDKey, execID, "run_at", runAt)

	result, runErr := e.executor.ExecuteSequence(ctx, claimed, execID, false, useCache)
	return e.settle(ctx, claimed, result, runErr)
}

// settle updates the automation after the executor returned. An interrupted run keeps the
// automation running so Restore on another instance continues it.
func (e *AutomationEngine) settle(ctx context.Context, a *model.Automation, result *model.ExecutionResult, runErr error) (*model.ExecutionResult, error) {
	if result == nil {
		e.revertHandoff(ctx, a, runErr)
		return nil, goerr.Wrap(runErr, "hand-off to executor failed", goerr.V(AutomationIDKey, a.ID))
	}
	if result.Status == types.ExecutionStatusInterrupted {
		logging.From(ctx).Warn("run interrupted, left for restore", AutomationIDKey, a.ID, ExecutionIDKey, result.ExecutionID)
		return result, runErr
	}

	e.finishRun(ctx, a.ID)
	return result, runErr
}

// revertHandoff puts an automation whose run never started back where it came from
func (e *AutomationEngine) revertHandoff(ctx context.Context, a *model.Automation, cause error) {
	var next *time.Time
	if a.IsRecurring() {
		if t, err := a.Schedule.NextFireTime(e.now()); err == nil {
			next = &t
		}
	}

	updated, err := e.updateAutomation(ctx, a.ID, func(a *model.Automation) error {
		if a.Status != types.AutomationStatusRunning {
			return nil
		}
		reason := "hand-off failed: " + cause.Error()
		if next != nil {
			a.Metadata.NextRunAt = next
			return e.transition(a, types.AutomationStatusScheduled, reason)
		}
		a.Metadata.NextRunAt = nil
		return e.transition(a, types.AutomationStatusDraft, reason)
	})
	if err != nil {
		logging.From(ctx).Error("failed to revert automation after hand-off failure", AutomationIDKey, a.ID, "error", err.Error())
		return
	}
	if updated.Status == types.AutomationStatusScheduled && next != nil {
		e.arm(updated, *next)
	}
}

// finishRun reschedules recurring automations and completes one-shot ones, unless a control
// action moved the automation out of running meanwhile
func (e *AutomationEngine) finishRun(ctx context.Context, id types.AutomationID) {
	var next *time.Time
	updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
		next = nil
		if a.Status != types.AutomationStatusRunning {
			return nil
		}
		if a.IsRecurring() {
			if t, err := a.Schedule.NextFireTime(e.now()); err == nil {
				next = &t
				a.Metadata.NextRunAt = &t
				return e.transition(a, types.AutomationStatusScheduled, "rescheduled after run")
			}
		}
		a.Metadata.NextRunAt = nil
		return e.transition(a, types.AutomationStatusCompleted, "run finished")
	})
	if err != nil {
		logging.From(ctx).Error("failed to finish automation run", AutomationIDKey, id, "error", err.Error())
		return
	}
	if next != nil && updated.Status == types.AutomationStatusScheduled {
		e.arm(updated, *next)
	}
}

// Execute runs the automation outside its schedule. Dry runs complete before returning;
// live runs continue in the background and the initial state is returned.
func (e *AutomationEngine) Execute(ctx context.Context, id types.AutomationID, isDryRun, useCache bool) (*model.Execution, *model.ExecutionResult, error) {
	a, err := e.getAutomation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status.IsTerminal() {
		return nil, nil, goerr.Wrap(ErrStatusConflict, "automation is no longer active",
			goerr.V(AutomationIDKey, id), goerr.V(StatusKey, a.Status))
	}
	if !isDryRun && a.Status == types.AutomationStatusPaused {
		return nil, nil, goerr.Wrap(ErrStatusConflict, "automation is paused", goerr.V(AutomationIDKey, id))
	}

	execID := types.NewExecutionID()
	if isDryRun {
		result, err := e.executor.ExecuteSequence(ctx, a, execID, true, useCache)
		if err != nil {
			return nil, result, err
		}
		exec, err := e.executor.GetSequenceProgress(ctx, execID)
		if err != nil {
			return nil, result, err
		}
		return exec, result, nil
	}

	exec, err := e.executor.StartSequence(e.ctx, a, execID, false, useCache)
	if err != nil {
		return nil, nil, err
	}
	return exec, exec.Result(), nil
}

// Cancel stops an automation. A scheduled automation can only be cancelled before its
// cancellation window opens; a running one stops before its next step.
func (e *AutomationEngine) Cancel(ctx context.Context, id types.AutomationID, reason string) (*model.ControlResult, error) {
	a, err := e.getAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		return nil, goerr.Wrap(ErrStatusConflict, "automation is no longer active",
			goerr.V(AutomationIDKey, id), goerr.V(StatusKey, a.Status))
	}

	if a.Status == types.AutomationStatusScheduled && a.Metadata.NextRunAt != nil {
		opens := a.Metadata.NextRunAt.Add(-a.CancellationWindow())
		if !e.now().Before(opens) {
			return nil, goerr.Wrap(ErrTooLateToCancel, "cancellation window has opened",
				goerr.V(AutomationIDKey, id), goerr.V("next_run_at", *a.Metadata.NextRunAt), goerr.V("window_opened_at", opens))
		}
	}

	if execID, ok := e.executor.ActiveByAutomation(id); ok {
		if _, err := e.executor.CancelSequence(ctx, execID, reason); err != nil && !errors.Is(err, ErrStatusConflict) {
			return nil, err
		}
	}

	// an execution on another instance reads the status at its next step boundary
	expected := a.Metadata.NextRunAt
	updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
		if a.Status == types.AutomationStatusScheduled && !sameTime(a.Metadata.NextRunAt, expected) {
			return goerr.Wrap(ErrStatusConflict, "automation was rescheduled concurrently", goerr.V(AutomationIDKey, id))
		}
		if err := e.transition(a, types.AutomationStatusCancelled, reason); err != nil {
			return err
		}
		a.Metadata.NextRunAt = nil
		a.Metadata.StopRequest = types.ExecutionStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.disarm(id)
	e.stopAbandoned(ctx, id, types.ExecutionStatusCancelled, reason)

	logging.From(ctx).Info("automation cancelled", AutomationIDKey, id, "reason", reason)
	return &model.ControlResult{Success: true, Status: updated.Status.String(), Message: "automation cancelled"}, nil
}

// EmergencyStop cancels the automation immediately, bypassing the cancellation window
func (e *AutomationEngine) EmergencyStop(ctx context.Context, id types.AutomationID, reason string) (*model.ControlResult, error) {
	a, err := e.getAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "emergency stop"
	}

	execID, running := e.executor.ActiveByAutomation(id)
	if !running && a.Status != types.AutomationStatusRunning && !a.Settings.EmergencyStopEnabled {
		return nil, goerr.Wrap(ErrStatusConflict, "emergency stop is disabled for this automation", goerr.V(AutomationIDKey, id))
	}
	if running {
		if _, err := e.executor.EmergencyStop(ctx, execID, reason); err != nil && !errors.Is(err, ErrStatusConflict) {
			return nil, err
		}
	}

	e.disarm(id)
	updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
		if a.Status == types.AutomationStatusCancelled {
			return nil
		}
		if a.Status.IsTerminal() && !running {
			return goerr.Wrap(ErrStatusConflict, "automation is no longer active",
				goerr.V(AutomationIDKey, id), goerr.V(StatusKey, a.Status))
		}
		// emergency stop forces cancelled from any state
		now := e.now().UTC()
		a.Status = types.AutomationStatusCancelled
		a.Metadata.StatusReason = reason
		a.Metadata.StatusChangedAt = &now
		a.Metadata.NextRunAt = nil
		a.Metadata.StopRequest = types.ExecutionStatusEmergencyStop
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.stopAbandoned(ctx, id, types.ExecutionStatusEmergencyStop, reason)

	logging.From(ctx).Warn("automation emergency stopped", AutomationIDKey, id, "reason", reason, "execution_running", running)
	return &model.ControlResult{Success: true, Status: updated.Status.String(), Message: "emergency stop applied"}, nil
}

// Pause holds a running execution before its next step, or suspends the schedule
func (e *AutomationEngine) Pause(ctx context.Context, id types.AutomationID, reason string) (*model.ControlResult, error) {
	if _, err := e.getAutomation(ctx, id); err != nil {
		return nil, err
	}

	// the store is written first; an execution on another instance picks it up at its next
	// step boundary
	updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
		return e.transition(a, types.AutomationStatusPaused, reason)
	})
	if err != nil {
		return nil, err
	}
	e.disarm(id)

	if execID, ok := e.executor.ActiveByAutomation(id); ok {
		if _, err := e.executor.PauseSequence(ctx, execID); err != nil && !errors.Is(err, ErrStatusConflict) {
			return nil, err
		}
	}

	return &model.ControlResult{Success: true, Status: updated.Status.String(), Message: "automation paused"}, nil
}

// Resume continues a paused execution, or re-derives the next fire time of a paused schedule
func (e *AutomationEngine) Resume(ctx context.Context, id types.AutomationID) (*model.ControlResult, error) {
	a, err := e.getAutomation(ctx, id)
	if err != nil {
		return nil, err
	}

	if execID, ok := e.executor.ActiveByAutomation(id); ok {
		updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
			if a.Status != types.AutomationStatusPaused {
				return nil
			}
			return e.transition(a, types.AutomationStatusRunning, "resumed")
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.executor.ResumeSequence(ctx, execID); err != nil && !errors.Is(err, ErrStatusConflict) {
			return nil, err
		}
		return &model.ControlResult{Success: true, Status: updated.Status.String(), Message: "execution resumed"}, nil
	}

	if a.Status != types.AutomationStatusPaused {
		return nil, goerr.Wrap(ErrStatusConflict, "automation is not paused",
			goerr.V(AutomationIDKey, id), goerr.V(StatusKey, a.Status))
	}

	live, err := e.latestExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if live != nil && !live.Status.IsTerminal() {
		// paused mid-sequence: the owner polls the store, or the run is taken over here when
		// its owner is gone
		updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
			return e.transition(a, types.AutomationStatusRunning, "resumed")
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.recoverRun(ctx, updated); err != nil {
			logging.From(ctx).Error("failed to take over paused execution", AutomationIDKey, id, "error", err.Error())
		}
		return &model.ControlResult{Success: true, Status: updated.Status.String(), Message: "execution resumed"}, nil
	}

	next, err := a.Schedule.NextFireTime(e.now())
	if err != nil {
		return nil, goerr.Wrap(ErrValidation, err.Error(), goerr.V(AutomationIDKey, id))
	}
	updated, err := e.updateAutomation(ctx, id, func(a *model.Automation) error {
		if err := e.transition(a, types.AutomationStatusScheduled, "resumed"); err != nil {
			return err
		}
		a.Metadata.NextRunAt = &next
		a.Metadata.ScheduledBy = e.state.InstanceID
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.arm(updated, next)

	return &model.ControlResult{Success: true, Status: updated.Status.String(), Message: "schedule resumed"}, nil
}

// Control dispatches a control action
func (e *AutomationEngine) Control(ctx context.Context, id types.AutomationID, action types.ControlAction, reason string) (*model.ControlResult, error) {
	switch action {
	case types.ControlActionEmergencyStop:
		return e.EmergencyStop(ctx, id, reason)
	case types.ControlActionCancel:
		return e.Cancel(ctx, id, reason)
	case types.ControlActionPause:
		return e.Pause(ctx, id, reason)
	case types.ControlActionResume:
		return e.Resume(ctx, id)
	default:
		return nil, goerr.Wrap(ErrValidation, "unknown control action", goerr.V("action", action))
	}
}

// Restore rebuilds timers from the Automation Store. Calling it again re-arms the same
// timers, so it never schedules an automation twice.
func (e *AutomationEngine) Restore(ctx context.Context) (*model.RestoreResult, error) {
	before := e.state.TimerCount()

	scheduled, err := e.repo.Automation().ListByStatus(ctx, types.AutomationStatusScheduled)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to list scheduled automations", goerr.V("error", err.Error()))
	}
	running, err := e.repo.Automation().ListByStatus(ctx, types.AutomationStatusRunning)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to list running automations", goerr.V("error", err.Error()))
	}

	var mu sync.Mutex
	restored, resumed := 0, 0

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, a := range scheduled {
		eg.Go(func() error {
			ok, err := e.restoreOne(ctx, a)
			if err != nil {
				logging.From(ctx).Error("failed to restore automation", AutomationIDKey, a.ID, "error", err.Error())
				return nil
			}
			if ok {
				mu.Lock()
				restored++
				mu.Unlock()
			}
			return nil
		})
	}
	for _, a := range running {
		eg.Go(func() error {
			ok, err := e.recoverRun(ctx, a)
			if err != nil {
				logging.From(ctx).Error("failed to recover running automation", AutomationIDKey, a.ID, "error", err.Error())
				return nil
			}
			if ok {
				mu.Lock()
				resumed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	result := &model.RestoreResult{
		BeforeRestore: before,
		AfterRestore:  e.state.TimerCount(),
		RestoredCount: restored,
		ResumedCount:  resumed,
	}
	logging.From(ctx).Info("schedules restored",
		"before", result.BeforeRestore, "after", result.AfterRestore,
		"restored", result.RestoredCount, "resumed", result.ResumedCount)
	return result, nil
}

// recoverRun looks at a running automation that this instance is not executing. Its latest
// execution is continued here when it was interrupted or its owner stopped making progress.
// True when a run was taken over.
func (e *AutomationEngine) recoverRun(ctx context.Context, a *model.Automation) (bool, error) {
	if _, ok := e.executor.ActiveByAutomation(a.ID); ok {
		return false, nil
	}
	logger := logging.From(ctx).With(AutomationIDKey, string(a.ID))

	exec, err := e.latestExecution(ctx, a.ID)
	if err != nil {
		return false, err
	}
	// an execution that ended before the automation went to running belongs to an earlier run
	earlier := exec != nil && exec.EndTime != nil && a.Metadata.StatusChangedAt != nil &&
		exec.EndTime.Before(*a.Metadata.StatusChangedAt)

	switch {
	case exec == nil || earlier:
		// the claimed run never stored its execution; give its instance orphanAfter to do so
		changed := a.Metadata.StatusChangedAt
		if a.Status == types.AutomationStatusRunning && (changed == nil || e.now().Sub(*changed) > e.orphanAfter) {
			e.revertHandoff(ctx, a, goerr.New("no execution found for running automation"))
		}
		return false, nil
	case exec.Status.IsTerminal():
		// the run ended but its instance went away before updating the automation
		e.finishRun(ctx, a.ID)
		return false, nil
	case exec.Status != types.ExecutionStatusInterrupted && !e.orphaned(exec):
		return false, nil
	}

	owner := a.Metadata.ScheduledBy
	claimed, err := e.updateAutomation(ctx, a.ID, func(cur *model.Automation) error {
		if cur.Status != types.AutomationStatusRunning || cur.Metadata.ScheduledBy != owner {
			return errClaimLost
		}
		cur.Metadata.ScheduledBy = e.state.InstanceID
		return nil
	})
	if errors.Is(err, errClaimLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.state.mu.Lock()
	if e.closed {
		e.state.mu.Unlock()
		return false, nil
	}
	e.wg.Add(1)
	e.state.mu.Unlock()

	logger.Warn("taking over execution", ExecutionIDKey, exec.ID, StatusKey, exec.Status,
		"previous_instance", exec.InstanceID, "current_step", exec.CurrentStep)
	go func() {
		defer e.wg.Done()
		runCtx := e.ctx
		result, err := e.executor.ContinueSequence(runCtx, claimed, exec)
		if _, err := e.settle(runCtx, claimed, result, err); err != nil {
			logging.From(runCtx).Error("continued execution failed", AutomationIDKey, claimed.ID, ExecutionIDKey, exec.ID, "error", err.Error())
		}
	}()
	return true, nil
}

// latestExecution returns the newest live execution of the automation, or nil
func (e *AutomationEngine) latestExecution(ctx context.Context, id types.AutomationID) (*model.Execution, error) {
	execs, err := e.repo.Execution().ListByAutomation(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to list executions",
			goerr.V(AutomationIDKey, id), goerr.V("error", err.Error()))
	}
	for _, exec := range execs {
		if !exec.IsDryRun {
			return exec, nil
		}
	}
	return nil, nil
}

// orphaned reports whether no instance has advanced the execution for orphanAfter. A pending
// wait counts as progress until the step is due.
func (e *AutomationEngine) orphaned(exec *model.Execution) bool {
	if exec.InstanceID == e.state.InstanceID {
		return true
	}
	last := exec.UpdatedAt
	if exec.NextStepAt != nil && exec.NextStepAt.After(last) {
		last = *exec.NextStepAt
	}
	return e.now().Sub(last) > e.orphanAfter
}

// stopAbandoned writes a stop to an execution that no instance runs anymore
func (e *AutomationEngine) stopAbandoned(ctx context.Context, id types.AutomationID, status types.ExecutionStatus, reason string) {
	if _, ok := e.executor.ActiveByAutomation(id); ok {
		return
	}
	exec, err := e.latestExecution(ctx, id)
	if err != nil {
		logging.From(ctx).Warn("failed to look up execution to stop", AutomationIDKey, id, "error", err.Error())
		return
	}
	if exec == nil || exec.Status.IsTerminal() {
		return
	}
	if exec.Status != types.ExecutionStatusInterrupted && !e.orphaned(exec) {
		return
	}

	now := e.now().UTC()
	exec.Status = status
	exec.StopReason = reason
	exec.StoppedAt = &now
	exec.EndTime = &now
	exec.NextStepAt = nil
	exec.UpdatedAt = now
	if err := e.repo.Execution().Put(ctx, exec); err != nil {
		logging.From(ctx).Warn("failed to stop abandoned execution", ExecutionIDKey, exec.ID, "error", err.Error())
	}
}

func (e *AutomationEngine) restoreOne(ctx context.Context, a *model.Automation) (bool, error) {
	now := e.now()

	// a pending lead-time window keeps its stored run time
	if a.Metadata.NextRunAt != nil && a.Metadata.NextRunAt.After(now) {
		if next, err := a.Schedule.NextFireTime(now); err == nil && next.Equal(*a.Metadata.NextRunAt) {
			e.arm(a, next)
			return true, nil
		}
	}

	var missed *time.Time
	if a.Metadata.NextRunAt != nil && !a.Metadata.NextRunAt.After(now) {
		missed = a.Metadata.NextRunAt
	}

	next, err := a.Schedule.NextFireTime(now)
	if err != nil {
		if !errors.Is(err, model.ErrNoNextFireTime) {
			return false, err
		}
		_, err := e.updateAutomation(ctx, a.ID, func(a *model.Automation) error {
			if a.Status != types.AutomationStatusScheduled {
				return nil
			}
			a.Metadata.NextRunAt = nil
			return e.transition(a, types.AutomationStatusDraft, "scheduled time passed while no instance was running")
		})
		if err == nil && missed != nil {
			e.recordMissedRun(ctx, a, *missed, nil)
		}
		return false, err
	}

	updated, err := e.updateAutomation(ctx, a.ID, func(a *model.Automation) error {
		if a.Status != types.AutomationStatusScheduled {
			return errClaimLost
		}
		a.Metadata.NextRunAt = &next
		return nil
	})
	if errors.Is(err, errClaimLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if missed != nil && !missed.Equal(next) {
		e.recordMissedRun(ctx, a, *missed, &next)
	}
	e.arm(updated, next)
	return true, nil
}

// recordMissedRun leaves a warning for a run time that passed while no instance held a timer
func (e *AutomationEngine) recordMissedRun(ctx context.Context, a *model.Automation, missed time.Time, next *time.Time) {
	msg := "run at " + missed.UTC().Format(time.RFC3339) + " was missed while no instance was running"
	if next != nil {
		msg += "; next run at " + next.UTC().Format(time.RFC3339)
	} else {
		msg += "; automation returned to draft"
	}
	v := &model.SafeguardViolation{
		AutomationID: a.ID,
		ExecutionID:  executionIDFor(a.ID, missed),
		Type:         types.ViolationTypeMissedRun,
		Severity:     types.SeverityWarning,
		Message:      msg,
	}
	if err := e.safeguard.RecordViolation(ctx, v); err != nil {
		logging.From(ctx).Error("failed to record missed run", AutomationIDKey, a.ID, "error", err.Error())
	}
}

// Shutdown disarms every timer, interrupts running executions before their next step and
// waits for fired automations to finish until ctx is done
func (e *AutomationEngine) Shutdown(ctx context.Context) error {
	e.state.mu.Lock()
	e.closed = true
	for id, t := range e.state.timers {
		t.stop()
		delete(e.state.timers, id)
	}
	e.state.mu.Unlock()

	cause := goerr.New("engine shutting down", goerr.V("instance_id", e.state.InstanceID))
	e.executor.Shutdown(cause)
	e.cancel(cause)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "engine shutdown timed out")
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
