package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrentSends  = 32
	DefaultSendTimeout         = 10 * time.Second
	DefaultControlPollInterval = 30 * time.Second
)

// SequenceExecutor runs the steps of an automation in order and controls running executions
type SequenceExecutor struct {
	repo       interfaces.Repository
	audience   *AudienceProcessor
	cadence    *CadenceFilter
	safeguard  *SafeguardMonitor
	deliverer  interfaces.Deliverer
	instanceID types.InstanceID

	now                func() time.Time
	sleep              func(ctx context.Context, d time.Duration) error
	maxConcurrentSends int
	sendTimeout        time.Duration
	pollInterval       time.Duration

	mu   sync.Mutex
	runs map[types.ExecutionID]*sequenceRun
}

// sequenceRun is the in-process state of one active execution
type sequenceRun struct {
	mu         sync.Mutex
	exec       *model.Execution
	automation *model.Automation
	useCache   bool

	cancel   context.CancelCauseFunc
	resumeCh chan struct{} // non-nil while paused
	stopping bool
}

func newSequenceExecutor(uc *UseCases) *SequenceExecutor {
	return &SequenceExecutor{
		repo:               uc.repo,
		audience:           uc.Audience,
		cadence:            uc.Cadence,
		safeguard:          uc.Safeguard,
		deliverer:          uc.deliverer,
		instanceID:         uc.instanceID,
		now:                uc.now,
		sleep:              uc.sleep,
		maxConcurrentSends: uc.maxConcurrentSends,
		sendTimeout:        uc.sendTimeout,
		pollInterval:       uc.pollInterval,
		runs:               make(map[types.ExecutionID]*sequenceRun),
	}
}

// ExecuteSequence runs the automation to completion and returns the outcome. A stopped or
// failed run still returns its result; err is set only when the run could not start or a
// ledger write failed.
func (x *SequenceExecutor) ExecuteSequence(ctx context.Context, automation *model.Automation, executionID types.ExecutionID, isDryRun, useCache bool) (*model.ExecutionResult, error) {
	run, runCtx, err := x.prepare(ctx, automation, executionID, isDryRun, useCache)
	if err != nil {
		return nil, err
	}
	return x.run(runCtx, run)
}

// StartSequence starts the run in the background and returns the initial execution state
func (x *SequenceExecutor) StartSequence(ctx context.Context, automation *model.Automation, executionID types.ExecutionID, isDryRun, useCache bool) (*model.Execution, error) {
	run, runCtx, err := x.prepare(ctx, automation, executionID, isDryRun, useCache)
	if err != nil {
		return nil, err
	}
	snap := run.snapshot()

	go func() {
		if _, err := x.run(runCtx, run); err != nil {
			logging.From(runCtx).Error("sequence failed", ExecutionIDKey, snap.ID, "error", err.Error())
		}
	}()
	return snap, nil
}

func (x *SequenceExecutor) prepare(ctx context.Context, automation *model.Automation, executionID types.ExecutionID, isDryRun, useCache bool) (*sequenceRun, context.Context, error) {
	if err := automation.Validate(); err != nil {
		return nil, nil, goerr.Wrap(ErrValidation, err.Error(), goerr.V(AutomationIDKey, automation.ID))
	}
	if executionID == "" {
		executionID = types.NewExecutionID()
	}

	now := x.now().UTC()
	run := &sequenceRun{
		automation: automation,
		useCache:   useCache,
		exec: &model.Execution{
			ID:           executionID,
			AutomationID: automation.ID,
			InstanceID:   x.instanceID,
			Status:       types.ExecutionStatusPending,
			IsDryRun:     isDryRun,
			TotalSteps:   len(automation.PushSequence),
			Steps:        []model.StepResult{},
			StartTime:    now,
			UpdatedAt:    now,
		},
	}
	return x.register(ctx, run)
}

// ContinueSequence takes over an execution another instance left unfinished and runs it from
// its CurrentStep. The audience cached for the execution is validated before the next step.
func (x *SequenceExecutor) ContinueSequence(ctx context.Context, automation *model.Automation, stored *model.Execution) (*model.ExecutionResult, error) {
	if err := automation.Validate(); err != nil {
		return nil, goerr.Wrap(ErrValidation, err.Error(), goerr.V(AutomationIDKey, automation.ID))
	}

	exec := *stored
	exec.Steps = append([]model.StepResult{}, stored.Steps...)
	exec.InstanceID = x.instanceID
	exec.Status = types.ExecutionStatusPending
	exec.StopReason = ""
	exec.StoppedAt = nil
	exec.EndTime = nil
	exec.NextStepAt = nil
	exec.TotalSteps = len(automation.PushSequence)
	exec.UpdatedAt = x.now().UTC()

	run, runCtx, err := x.register(ctx, &sequenceRun{automation: automation, useCache: true, exec: &exec})
	if err != nil {
		return nil, err
	}
	logging.From(runCtx).Info("continuing sequence",
		"from_step", exec.CurrentStep, "previous_instance", stored.InstanceID, StatusKey, stored.Status)
	return x.run(runCtx, run)
}

// register makes run active in this process and stores its initial state
func (x *SequenceExecutor) register(ctx context.Context, run *sequenceRun) (*sequenceRun, context.Context, error) {
	executionID := run.exec.ID
	automation := run.automation
	isDryRun := run.exec.IsDryRun
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	run.cancel = cancel

	x.mu.Lock()
	if _, exists := x.runs[executionID]; exists {
		x.mu.Unlock()
		cancel(nil)
		return nil, nil, goerr.Wrap(ErrStatusConflict, "execution is already running", goerr.V(ExecutionIDKey, executionID))
	}
	x.runs[executionID] = run
	x.mu.Unlock()

	abort := func(err error) (*sequenceRun, context.Context, error) {
		cancel(err)
		x.forget(executionID)
		return nil, nil, err
	}

	if !isDryRun {
		if err := x.safeguard.CheckConcurrency(ctx, automation.ID, executionID); err != nil {
			return abort(err)
		}
	}

	if err := x.repo.Execution().Put(ctx, run.exec); err != nil {
		x.safeguard.Release(executionID)
		return abort(goerr.Wrap(ErrPersistence, "failed to create execution",
			goerr.V(ExecutionIDKey, executionID), goerr.V("error", err.Error())))
	}

	logger := logging.From(ctx).With(ExecutionIDKey, string(executionID), AutomationIDKey, string(automation.ID))
	return run, logging.With(runCtx, logger), nil
}

func (x *SequenceExecutor) forget(id types.ExecutionID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.runs, id)
}

func (x *SequenceExecutor) lookup(id types.ExecutionID) (*sequenceRun, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	run, ok := x.runs[id]
	return run, ok
}

func (x *SequenceExecutor) run(ctx context.Context, run *sequenceRun) (*model.ExecutionResult, error) {
	logger := logging.From(ctx)
	execID := run.exec.ID
	defer func() {
		run.cancel(nil)
		x.safeguard.Release(execID)
		x.forget(execID)
	}()

	steps := run.automation.SortedSteps()
	var prevCompleted time.Time
	if n := len(run.exec.Steps); n > 0 {
		prevCompleted = run.exec.Steps[n-1].CompletedAt
	}
	var fatal error

	for {
		run.mu.Lock()
		index := run.exec.CurrentStep
		stopping := run.stopping
		run.mu.Unlock()
		if stopping || index >= len(steps) {
			break
		}

		if !x.checkpoint(ctx, run) {
			break
		}

		step := steps[index]
		if !run.exec.IsDryRun {
			if err := x.waitForStep(ctx, run, step, prevCompleted); err != nil {
				if ctx.Err() == nil {
					fatal = err
				}
				break
			}
			if !x.checkpoint(ctx, run) {
				break
			}
		}

		result, err := x.runStep(ctx, run, step, index)
		if result != nil {
			run.mu.Lock()
			run.exec.Steps = append(run.exec.Steps, *result)
			run.exec.CurrentStep = index + 1
			run.mu.Unlock()
			prevCompleted = result.CompletedAt
		}
		if err != nil {
			if ctx.Err() != nil && run.isStopping() {
				break
			}
			if errors.Is(err, ErrSafetyViolation) {
				x.stopBySafeguard(run, err.Error())
				break
			}
			fatal = err
			break
		}
		if perr := x.persist(ctx, run); perr != nil {
			fatal = perr
			break
		}

		decision, err := x.safeguard.ShouldStopSequence(ctx, execID)
		if err != nil {
			logger.Warn("safeguard check failed", "error", err.Error())
			continue
		}
		if decision.Stop {
			x.stopBySafeguard(run, decision.Reason)
			break
		}
	}

	end := x.now().UTC()
	run.mu.Lock()
	exec := run.exec
	switch {
	case exec.Status.IsTerminal():
		// cancelled, emergency stopped or stopped by safeguard
	case fatal != nil:
		exec.Status = types.ExecutionStatusFailed
		exec.StopReason = fatal.Error()
	case exec.CurrentStep >= len(steps):
		exec.Status = types.ExecutionStatusCompleted
	case !exec.IsDryRun:
		// shutdown: left for Restore on another instance
		exec.Status = types.ExecutionStatusInterrupted
		exec.StopReason = "interrupted"
		if cause := context.Cause(ctx); cause != nil {
			exec.StopReason += ": " + cause.Error()
		}
	default:
		exec.Status = types.ExecutionStatusFailed
		exec.StopReason = "interrupted"
		if cause := context.Cause(ctx); cause != nil {
			exec.StopReason += ": " + cause.Error()
		}
	}
	if exec.Status != types.ExecutionStatusInterrupted {
		if exec.StoppedAt == nil && exec.Status != types.ExecutionStatusCompleted {
			exec.StoppedAt = &end
		}
		exec.EndTime = &end
	}
	exec.NextStepAt = nil
	exec.UpdatedAt = end
	run.mu.Unlock()

	if err := x.persist(ctx, run); err != nil && fatal == nil {
		fatal = err
	}
	x.recordOutcome(context.WithoutCancel(ctx), run)

	snap := run.snapshot()
	logger.Info("sequence finished",
		StatusKey, snap.Status,
		"steps", len(snap.Steps),
		"dry_run", snap.IsDryRun,
		"stop_reason", snap.StopReason,
	)
	return snap.Result(), fatal
}

func (x *SequenceExecutor) runStep(ctx context.Context, run *sequenceRun, step model.PushStep, index int) (*model.StepResult, error) {
	logger := logging.From(ctx).With(StepOrderKey, step.SequenceOrder, LayerIDKey, int(step.Layer))
	automation := run.automation
	isDryRun := run.exec.IsDryRun

	x.setStatus(run, types.ExecutionStatusPreparing)
	if err := x.persist(ctx, run); err != nil {
		return nil, err
	}

	run.mu.Lock()
	useCache := run.useCache || index > 0
	run.mu.Unlock()

	manifest, err := x.audience.Resolve(ctx, run.exec.ID, automation.ID, automation.AudienceCriteria, useCache)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve audience", goerr.V(StepOrderKey, step.SequenceOrder))
	}

	result := &model.StepResult{
		SequenceOrder: step.SequenceOrder,
		Layer:         step.Layer,
		AudienceSize:  manifest.Size,
		DryRun:        isDryRun,
		StartedAt:     x.now().UTC(),
	}

	if !isDryRun {
		v, err := x.safeguard.CheckAudienceSize(ctx, automation, run.exec.ID, manifest.Size)
		if err != nil {
			return nil, err
		}
		if v != nil {
			result.CompletedAt = x.now().UTC()
			return result, goerr.Wrap(ErrSafetyViolation, v.Message)
		}
	}

	filtered, err := x.cadence.FilterUsersByCadence(ctx, manifest.UserIDs(), step.Layer)
	if err != nil {
		return nil, goerr.Wrap(err, "cadence filter failed", goerr.V(StepOrderKey, step.SequenceOrder))
	}
	result.Eligible = len(filtered.EligibleUserIDs)
	result.Exclusions = filtered.Exclusions

	if isDryRun {
		result.CompletedAt = x.now().UTC()
		logger.Info("dry run step evaluated", "audience", result.AudienceSize, "eligible", result.Eligible)
		return result, nil
	}

	x.setStatus(run, types.ExecutionStatusSending)
	if err := x.persist(ctx, run); err != nil {
		return nil, err
	}

	if err := x.fanOut(ctx, run, step, manifest, filtered.EligibleUserIDs, result); err != nil {
		result.CompletedAt = x.now().UTC()
		return result, err
	}
	result.CompletedAt = x.now().UTC()

	logger.Info("step sent",
		"audience", result.AudienceSize,
		"eligible", result.Eligible,
		"sent", result.Sent,
		"failed", result.Failed,
	)

	if _, err := x.safeguard.CheckFailureRate(ctx, automation, run.exec.ID, result); err != nil {
		logger.Warn("failed to record failure rate violation", "error", err.Error())
	}
	return result, nil
}

// fanOut sends to every recipient with bounded concurrency. Each confirmed send is written to
// the ledger before the worker takes the next recipient. Sends already started always run to
// completion; a ledger failure stops new sends and is returned.
func (x *SequenceExecutor) fanOut(ctx context.Context, run *sequenceRun, step model.PushStep, manifest *model.AudienceManifest, recipients []types.UserID, result *model.StepResult) error {
	if x.deliverer == nil {
		return goerr.Wrap(ErrDelivery, "no deliverer configured")
	}

	tmpl, err := parseStepTemplates(step)
	if err != nil {
		return goerr.Wrap(ErrValidation, err.Error(), goerr.V(StepOrderKey, step.SequenceOrder))
	}

	members := manifest.MemberIndex()
	sendCtx := context.WithoutCancel(ctx)
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(sendCtx)
	eg.SetLimit(x.maxConcurrentSends)

	for _, userID := range recipients {
		if egCtx.Err() != nil {
			break
		}
		member := members[userID]
		member.UserID = userID

		eg.Go(func() error {
			if egCtx.Err() != nil {
				return nil
			}

			mu.Lock()
			result.Attempted++
			mu.Unlock()

			msg, err := tmpl.render(run.exec.ID, run.automation.ID, step, member)
			if err == nil {
				err = x.deliver(sendCtx, msg)
			}
			if errors.Is(err, interfaces.ErrDuplicateDelivery) {
				mu.Lock()
				result.Duplicates++
				mu.Unlock()
				return nil
			}
			if err != nil {
				mu.Lock()
				result.AddFailure(model.DeliveryFailure{UserID: userID, Error: err.Error()})
				mu.Unlock()
				return nil
			}

			row := &model.UserNotification{
				UserID:              userID,
				LayerID:             step.Layer,
				SentAt:              x.now().UTC(),
				PushTitle:           msg.Title,
				PushBody:            msg.Body,
				AudienceDescription: step.AudienceDescription,
				DeepLink:            msg.DeepLink,
			}
			if err := x.repo.Ledger().Record(sendCtx, row); err != nil {
				return goerr.Wrap(ErrPersistence, "failed to record confirmed send",
					goerr.V("user_id", userID), goerr.V(StepOrderKey, step.SequenceOrder), goerr.V("error", err.Error()))
			}

			mu.Lock()
			result.Sent++
			mu.Unlock()
			return nil
		})
	}

	return eg.Wait()
}

func (x *SequenceExecutor) deliver(ctx context.Context, msg *model.PushMessage) error {
	ctx, cancel := context.WithTimeout(ctx, x.sendTimeout)
	defer cancel()
	if err := x.deliverer.Deliver(ctx, msg); err != nil {
		if errors.Is(err, interfaces.ErrDuplicateDelivery) {
			return err
		}
		return goerr.Wrap(ErrDelivery, err.Error(), goerr.V("user_id", msg.UserID))
	}
	return nil
}

// waitForStep blocks until the step's send time. AbsoluteTime wins over the delay after the
// previous step. Cancellation interrupts the wait.
func (x *SequenceExecutor) waitForStep(ctx context.Context, run *sequenceRun, step model.PushStep, prevCompleted time.Time) error {
	var target time.Time
	switch {
	case step.Timing.AbsoluteTime != nil:
		target = *step.Timing.AbsoluteTime
	case step.Timing.DelayAfterPreviousMinutes > 0 && !prevCompleted.IsZero():
		target = prevCompleted.Add(time.Duration(step.Timing.DelayAfterPreviousMinutes) * time.Minute)
	default:
		return nil
	}

	d := target.Sub(x.now())
	if d <= 0 {
		return nil
	}

	x.setStatus(run, types.ExecutionStatusWaiting)
	run.mu.Lock()
	run.exec.NextStepAt = &target
	run.mu.Unlock()
	if err := x.persist(ctx, run); err != nil {
		return err
	}
	logging.From(ctx).Info("waiting for step", StepOrderKey, step.SequenceOrder, "until", target)
	err := x.sleep(ctx, d)

	run.mu.Lock()
	run.exec.NextStepAt = nil
	run.mu.Unlock()
	return err
}

// checkpoint runs at every step boundary. It applies a cancel, pause or resume written to the
// Automation Store by any instance and holds while paused. False ends the run loop.
func (x *SequenceExecutor) checkpoint(ctx context.Context, run *sequenceRun) bool {
	x.syncControl(ctx, run)
	if err := x.holdWhilePaused(ctx, run); err != nil {
		return false
	}
	return !run.isStopping() && ctx.Err() == nil
}

// syncControl reads the automation's status and applies it to the local run
func (x *SequenceExecutor) syncControl(ctx context.Context, run *sequenceRun) {
	if run.exec.IsDryRun {
		return
	}
	logger := logging.From(ctx)

	a, err := x.repo.Automation().Get(ctx, run.automation.ID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			logger.Warn("failed to read automation status", "error", err.Error())
		}
		return
	}

	switch a.Status {
	case types.AutomationStatusCancelled:
		status := types.ExecutionStatusCancelled
		if a.Metadata.StopRequest == types.ExecutionStatusEmergencyStop {
			status = types.ExecutionStatusEmergencyStop
		}
		if x.markStopped(run, status, a.Metadata.StatusReason) {
			if err := x.persist(ctx, run); err != nil {
				logger.Warn("failed to save stopped execution", "error", err.Error())
			}
			logger.Warn("sequence stopped by store status", StatusKey, status, "reason", a.Metadata.StatusReason)
		}

	case types.AutomationStatusPaused:
		if x.markPaused(run) {
			if err := x.persist(ctx, run); err != nil {
				logger.Warn("failed to save paused execution", "error", err.Error())
			}
			logger.Info("sequence paused by store status")
		}

	case types.AutomationStatusRunning:
		if x.markResumed(run) {
			if err := x.persist(ctx, run); err != nil {
				logger.Warn("failed to save resumed execution", "error", err.Error())
			}
			logger.Info("sequence resumed by store status")
		}
	}
}

// holdWhilePaused blocks until the run is resumed or stopped. While paused it polls the
// Automation Store, since the resume may be issued on another instance, and refreshes
// UpdatedAt so Restore does not take the run for abandoned.
func (x *SequenceExecutor) holdWhilePaused(ctx context.Context, run *sequenceRun) error {
	for {
		run.mu.Lock()
		ch := run.resumeCh
		run.mu.Unlock()
		if ch == nil {
			return nil
		}

		timer := time.NewTimer(x.pollInterval)
		select {
		case <-ch:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			x.syncControl(ctx, run)
			run.mu.Lock()
			run.exec.UpdatedAt = x.now().UTC()
			run.mu.Unlock()
			if err := x.persist(ctx, run); err != nil {
				logging.From(ctx).Warn("failed to save paused execution", "error", err.Error())
			}
		}
	}
}

func (x *SequenceExecutor) setStatus(run *sequenceRun, status types.ExecutionStatus) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.exec.Status.IsTerminal() || run.resumeCh != nil {
		return
	}
	run.exec.Status = status
	run.exec.UpdatedAt = x.now().UTC()
}

func (x *SequenceExecutor) stopBySafeguard(run *sequenceRun, reason string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.exec.Status.IsTerminal() {
		return
	}
	now := x.now().UTC()
	run.stopping = true
	run.exec.Status = types.ExecutionStatusStoppedBySafety
	run.exec.StopReason = reason
	run.exec.StoppedAt = &now
}

// persist writes the current state. The lock is held across the write so snapshots are
// stored in order. A stop cancels ctx, and the final state must still be written.
func (x *SequenceExecutor) persist(ctx context.Context, run *sequenceRun) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	if err := x.repo.Execution().Put(context.WithoutCancel(ctx), run.exec); err != nil {
		return goerr.Wrap(ErrPersistence, "failed to save execution",
			goerr.V(ExecutionIDKey, run.exec.ID), goerr.V("error", err.Error()))
	}
	return nil
}

func (x *SequenceExecutor) recordOutcome(ctx context.Context, run *sequenceRun) {
	snap := run.snapshot()
	if snap.IsDryRun || snap.Status == types.ExecutionStatusInterrupted {
		return
	}
	_, err := x.repo.Automation().Update(ctx, snap.AutomationID, func(a *model.Automation) error {
		a.Metadata.TotalExecutions++
		if snap.Status == types.ExecutionStatusCompleted {
			a.Metadata.SuccessfulExecutions++
		} else {
			a.Metadata.FailedExecutions++
		}
		a.Metadata.LastExecutionID = snap.ID
		a.Metadata.LastExecutionAt = snap.EndTime
		return nil
	})
	if err != nil {
		logging.From(ctx).Warn("failed to update automation counters", AutomationIDKey, snap.AutomationID, "error", err.Error())
	}
}

func (r *sequenceRun) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *sequenceRun) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeCh != nil
}

func (r *sequenceRun) snapshot() *model.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *r.exec
	copied.Steps = append([]model.StepResult(nil), r.exec.Steps...)
	return &copied
}

// PauseSequence holds the execution before its next step
func (x *SequenceExecutor) PauseSequence(ctx context.Context, id types.ExecutionID) (*model.Execution, error) {
	run, err := x.activeRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if !x.markPaused(run) && !run.isPaused() {
		return nil, goerr.Wrap(ErrStatusConflict, "execution is stopping", goerr.V(ExecutionIDKey, id))
	}

	if err := x.persist(ctx, run); err != nil {
		return nil, err
	}
	logging.From(ctx).Info("sequence paused", ExecutionIDKey, id)
	return run.snapshot(), nil
}

// ResumeSequence continues a paused execution. The cached audience is validated again before
// the next step and regenerated when stale.
func (x *SequenceExecutor) ResumeSequence(ctx context.Context, id types.ExecutionID) (*model.Execution, error) {
	run, err := x.activeRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if !x.markResumed(run) {
		return nil, goerr.Wrap(ErrStatusConflict, "execution is not paused", goerr.V(ExecutionIDKey, id))
	}

	if err := x.persist(ctx, run); err != nil {
		return nil, err
	}
	logging.From(ctx).Info("sequence resumed", ExecutionIDKey, id)
	return run.snapshot(), nil
}

// CancelSequence stops the execution before its next step
func (x *SequenceExecutor) CancelSequence(ctx context.Context, id types.ExecutionID, reason string) (*model.Execution, error) {
	return x.stop(ctx, id, types.ExecutionStatusCancelled, reason)
}

// EmergencyStop stops the execution before its next step with the emergency status
func (x *SequenceExecutor) EmergencyStop(ctx context.Context, id types.ExecutionID, reason string) (*model.Execution, error) {
	return x.stop(ctx, id, types.ExecutionStatusEmergencyStop, reason)
}

func (x *SequenceExecutor) stop(ctx context.Context, id types.ExecutionID, status types.ExecutionStatus, reason string) (*model.Execution, error) {
	run, err := x.activeRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if !x.markStopped(run, status, reason) {
		snap := run.snapshot()
		return nil, goerr.Wrap(ErrStatusConflict, "execution already stopped",
			goerr.V(ExecutionIDKey, id), goerr.V(StatusKey, snap.Status))
	}

	if err := x.persist(ctx, run); err != nil {
		return nil, err
	}
	logging.From(ctx).Warn("sequence stopped", ExecutionIDKey, id, StatusKey, status, "reason", reason)
	return run.snapshot(), nil
}

// markStopped moves the run to a terminal status and interrupts its wait. Sends in flight use a
// detached context and complete. False when the run already ended.
func (x *SequenceExecutor) markStopped(run *sequenceRun, status types.ExecutionStatus, reason string) bool {
	run.mu.Lock()
	if run.exec.Status.IsTerminal() {
		run.mu.Unlock()
		return false
	}
	now := x.now().UTC()
	run.stopping = true
	run.exec.Status = status
	run.exec.StopReason = reason
	run.exec.StoppedAt = &now
	run.exec.UpdatedAt = now
	if run.resumeCh != nil {
		close(run.resumeCh)
		run.resumeCh = nil
	}
	run.mu.Unlock()

	run.cancel(goerr.New("sequence stopped", goerr.V(StatusKey, status)))
	return true
}

// markPaused reports whether the run went from active to paused
func (x *SequenceExecutor) markPaused(run *sequenceRun) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.stopping || run.exec.Status.IsTerminal() || run.resumeCh != nil {
		return false
	}
	run.resumeCh = make(chan struct{})
	run.exec.Status = types.ExecutionStatusPaused
	run.exec.UpdatedAt = x.now().UTC()
	return true
}

// markResumed reports whether the run went from paused to active
func (x *SequenceExecutor) markResumed(run *sequenceRun) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.resumeCh == nil {
		return false
	}
	close(run.resumeCh)
	run.resumeCh = nil
	run.useCache = true
	run.exec.Status = types.ExecutionStatusPending
	run.exec.UpdatedAt = x.now().UTC()
	return true
}

func (x *SequenceExecutor) activeRun(ctx context.Context, id types.ExecutionID) (*sequenceRun, error) {
	if run, ok := x.lookup(id); ok {
		return run, nil
	}
	exec, err := x.repo.Execution().Get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, goerr.Wrap(ErrExecutionNotFound, "execution not found", goerr.V(ExecutionIDKey, id))
		}
		return nil, goerr.Wrap(ErrPersistence, "failed to get execution",
			goerr.V(ExecutionIDKey, id), goerr.V("error", err.Error()))
	}
	return nil, goerr.Wrap(ErrStatusConflict, "execution is not running in this instance",
		goerr.V(ExecutionIDKey, id), goerr.V(StatusKey, exec.Status), goerr.V("instance_id", exec.InstanceID))
}

// GetSequenceProgress returns the live state of an active execution, or the stored one
func (x *SequenceExecutor) GetSequenceProgress(ctx context.Context, id types.ExecutionID) (*model.Execution, error) {
	if run, ok := x.lookup(id); ok {
		return run.snapshot(), nil
	}
	exec, err := x.repo.Execution().Get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, goerr.Wrap(ErrExecutionNotFound, "execution not found", goerr.V(ExecutionIDKey, id))
		}
		return nil, goerr.Wrap(ErrPersistence, "failed to get execution",
			goerr.V(ExecutionIDKey, id), goerr.V("error", err.Error()))
	}
	return exec, nil
}

// ListActive returns the executions running in this process
func (x *SequenceExecutor) ListActive() []*model.Execution {
	x.mu.Lock()
	runs := make([]*sequenceRun, 0, len(x.runs))
	for _, run := range x.runs {
		runs = append(runs, run)
	}
	x.mu.Unlock()

	execs := make([]*model.Execution, 0, len(runs))
	for _, run := range runs {
		execs = append(execs, run.snapshot())
	}
	return execs
}

// Shutdown interrupts every active execution before its next step
func (x *SequenceExecutor) Shutdown(cause error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, run := range x.runs {
		run.cancel(cause)
	}
}

// ActiveByAutomation returns the running execution of the automation, if any
func (x *SequenceExecutor) ActiveByAutomation(automationID types.AutomationID) (types.ExecutionID, bool) {
	for _, exec := range x.ListActive() {
		if exec.AutomationID == automationID && !exec.IsDryRun {
			return exec.ID, true
		}
	}
	return "", false
}

type stepTemplates struct {
	title, body, deepLink *template.Template
}

func parseStepTemplates(step model.PushStep) (*stepTemplates, error) {
	parse := func(name, src string) (*template.Template, error) {
		return template.New(name).Option("missingkey=zero").Parse(src)
	}
	var t stepTemplates
	var err error
	if t.title, err = parse("title", step.Title); err != nil {
		return nil, err
	}
	if t.body, err = parse("body", step.Body); err != nil {
		return nil, err
	}
	if t.deepLink, err = parse("deep_link", step.DeepLink); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *stepTemplates) render(executionID types.ExecutionID, automationID types.AutomationID, step model.PushStep, member model.AudienceMember) (*model.PushMessage, error) {
	data := make(map[string]string, len(member.Attributes)+1)
	for k, v := range member.Attributes {
		data[k] = v
	}
	data["user_id"] = string(member.UserID)

	exec := func(tmpl *template.Template) (string, error) {
		var sb strings.Builder
		if err := tmpl.Execute(&sb, data); err != nil {
			return "", goerr.Wrap(err, "failed to render template", goerr.V("template", tmpl.Name()))
		}
		return sb.String(), nil
	}

	title, err := exec(t.title)
	if err != nil {
		return nil, err
	}
	body, err := exec(t.body)
	if err != nil {
		return nil, err
	}
	link, err := exec(t.deepLink)
	if err != nil {
		return nil, err
	}

	return &model.PushMessage{
		ExecutionID:   executionID,
		AutomationID:  automationID,
		SequenceOrder: step.SequenceOrder,
		UserID:        member.UserID,
		Layer:         step.Layer,
		Title:         title,
		Body:          body,
		DeepLink:      link,
	}, nil
}
