package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/repository/memory"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedSleep blocks every wait between steps until the test releases it
type gatedSleep struct {
	waiting chan time.Duration
	release chan struct{}
}

func newGatedSleep() *gatedSleep {
	return &gatedSleep{waiting: make(chan time.Duration, 8), release: make(chan struct{})}
}

func (g *gatedSleep) Sleep(ctx context.Context, d time.Duration) error {
	g.waiting <- d
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func step(order int, layer types.LayerID, delayMinutes int) model.PushStep {
	return model.PushStep{
		SequenceOrder:       order,
		Title:               "Hi {{.first_name}}",
		Body:                "step body",
		DeepLink:            "app://home?u={{.user_id}}",
		Layer:               layer,
		AudienceDescription: "test audience",
		Timing:              model.StepTiming{DelayAfterPreviousMinutes: delayMinutes},
	}
}

func TestSequenceExecutor_StepTiming(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	clock := newFakeClock(baseTime)
	ids := newUserIDs(3)
	deliverer := newRecordingDeliverer()

	uc := usecase.New(repo,
		usecase.WithDeliverer(deliverer),
		usecase.WithAudienceSource(newStaticSource(ids...)),
		usecase.WithClock(clock.Now),
		usecase.WithSleep(clock.Sleep),
	)

	automation := newAutomation(
		step(1, types.LayerPlatform, 0),
		step(2, types.LayerPlatform, 60),
		step(3, types.LayerPlatform, 60),
	)
	automation.ID = "auto-timing"

	result, err := uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
	gt.NoError(t, err).Required()
	gt.Value(t, result.Status).Equal(types.ExecutionStatusCompleted)
	gt.Value(t, result.TotalSent).Equal(9)
	gt.Value(t, clock.Sleeps()).Equal([]time.Duration{time.Hour, time.Hour})

	rows, err := repo.Ledger().ListByUser(ctx, ids[0])
	gt.NoError(t, err).Required()
	gt.Array(t, rows).Length(3)
	gt.Value(t, rows[2].SentAt).Equal(baseTime)
	gt.Value(t, rows[1].SentAt).Equal(baseTime.Add(60 * time.Minute))
	gt.Value(t, rows[0].SentAt).Equal(baseTime.Add(120 * time.Minute))
}

func TestSequenceExecutor_CadenceBetweenSteps(t *testing.T) {
	ctx := context.Background()

	t.Run("cooldown excludes a recent recipient and the step 1 audience", func(t *testing.T) {
		repo := memory.New()
		clock := newFakeClock(baseTime)
		ids := newUserIDs(5)
		x := ids[0]
		recordSend(t, repo, x, types.LayerBehaviorResponsive, baseTime.Add(-10*time.Hour))
		deliverer := newRecordingDeliverer()

		uc := usecase.New(repo,
			usecase.WithDeliverer(deliverer),
			usecase.WithAudienceSource(newStaticSource(ids...)),
			usecase.WithClock(clock.Now),
			usecase.WithSleep(clock.Sleep),
		)
		automation := newAutomation(
			step(1, types.LayerBehaviorResponsive, 0),
			step(2, types.LayerBehaviorResponsive, 60),
		)
		automation.ID = "auto-cooldown"

		result, err := uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		gt.Array(t, result.Steps).Length(2)

		gt.Value(t, result.Steps[0].Sent).Equal(4)
		gt.Value(t, result.Steps[0].Exclusions.Cooldown).Equal(1)
		gt.Value(t, result.Steps[1].Sent).Equal(0)
		gt.Value(t, result.Steps[1].Exclusions.Cooldown).Equal(5)
		gt.Value(t, deliverer.SentTo(x)).Equal(0)
	})

	t.Run("combined limit counts the sends of the previous step", func(t *testing.T) {
		repo := memory.New()
		clock := newFakeClock(baseTime)
		ids := newUserIDs(5)
		// two prior trending sends: step 1 brings them to the cap of 3
		for _, id := range ids[:2] {
			recordSend(t, repo, id, types.LayerProductTrending, baseTime.Add(-48*time.Hour))
			recordSend(t, repo, id, types.LayerProductTrending, baseTime.Add(-24*time.Hour))
		}
		deliverer := newRecordingDeliverer()

		uc := usecase.New(repo,
			usecase.WithDeliverer(deliverer),
			usecase.WithAudienceSource(newStaticSource(ids...)),
			usecase.WithClock(clock.Now),
			usecase.WithSleep(clock.Sleep),
		)
		automation := newAutomation(
			step(1, types.LayerProductTrending, 0),
			step(2, types.LayerBehaviorResponsive, 60),
		)
		automation.ID = "auto-combined"

		result, err := uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		gt.Value(t, result.Steps[0].Sent).Equal(5)
		gt.Value(t, result.Steps[1].Sent).Equal(3)
		gt.Value(t, result.Steps[1].Exclusions.CombinedLimit).Equal(2)
	})
}

func TestSequenceExecutor_DryRun(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	clock := newFakeClock(baseTime)
	ids := newUserIDs(4)
	recordSend(t, repo, ids[0], types.LayerBehaviorResponsive, baseTime.Add(-time.Hour))
	deliverer := newRecordingDeliverer()

	uc := usecase.New(repo,
		usecase.WithDeliverer(deliverer),
		usecase.WithAudienceSource(newStaticSource(ids...)),
		usecase.WithClock(clock.Now),
		usecase.WithSleep(clock.Sleep),
	)
	automation := newAutomation(step(1, types.LayerBehaviorResponsive, 0), step(2, types.LayerBehaviorResponsive, 120))
	automation.ID = "auto-dry"

	result, err := uc.Executor.ExecuteSequence(ctx, automation, "", true, false)
	gt.NoError(t, err).Required()
	gt.Value(t, result.Status).Equal(types.ExecutionStatusCompleted)
	gt.Bool(t, result.IsDryRun).True()
	gt.Value(t, result.Steps[0].Eligible).Equal(3)
	gt.Value(t, result.Steps[1].Eligible).Equal(3)
	gt.Value(t, result.TotalSent).Equal(0)
	gt.Array(t, deliverer.Sent()).Length(0)
	gt.Array(t, clock.Sleeps()).Length(0)

	rows, err := repo.Ledger().ListByUser(ctx, ids[1])
	gt.NoError(t, err).Required()
	gt.Array(t, rows).Length(0)

	_, err = repo.Automation().Get(ctx, automation.ID)
	gt.Value(t, err).NotNil()
}

func TestSequenceExecutor_DeliveryFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("a failed recipient does not abort the batch", func(t *testing.T) {
		repo := memory.New()
		ids := newUserIDs(10)
		deliverer := newRecordingDeliverer()
		deliverer.fail[ids[3]] = true

		uc := usecase.New(repo,
			usecase.WithDeliverer(deliverer),
			usecase.WithAudienceSource(newStaticSource(ids...)),
			usecase.WithClock(newFakeClock(baseTime).Now),
		)
		automation := newAutomation(step(1, types.LayerPlatform, 0))
		automation.ID = "auto-partial"

		result, err := uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		gt.Value(t, result.Status).Equal(types.ExecutionStatusCompleted)
		gt.Value(t, result.TotalSent).Equal(9)
		gt.Value(t, result.TotalFailed).Equal(1)
		gt.Value(t, result.Steps[0].Failures[0].UserID).Equal(ids[3])

		rows, err := repo.Ledger().ListByUser(ctx, ids[3])
		gt.NoError(t, err).Required()
		gt.Array(t, rows).Length(0)
	})

	t.Run("a high failure rate stops the sequence", func(t *testing.T) {
		repo := memory.New()
		clock := newFakeClock(baseTime)
		ids := newUserIDs(10)
		deliverer := newRecordingDeliverer()
		for _, id := range ids[:5] {
			deliverer.fail[id] = true
		}

		uc := usecase.New(repo,
			usecase.WithDeliverer(deliverer),
			usecase.WithAudienceSource(newStaticSource(ids...)),
			usecase.WithClock(clock.Now),
			usecase.WithSleep(clock.Sleep),
		)
		automation := newAutomation(step(1, types.LayerPlatform, 0), step(2, types.LayerPlatform, 30))
		automation.ID = "auto-failing"

		result, err := uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		gt.Value(t, result.Status).Equal(types.ExecutionStatusStoppedBySafety)
		gt.Array(t, result.Steps).Length(1)
		gt.Array(t, deliverer.Sent()).Length(5)

		violations, err := uc.Safeguard.ListViolations(ctx, model.ViolationFilter{ExecutionID: result.ExecutionID})
		gt.NoError(t, err).Required()
		gt.Array(t, violations).Length(1)
		gt.Value(t, violations[0].Type).Equal(types.ViolationTypeFailureRate)
	})

	t.Run("an oversized audience sends nothing", func(t *testing.T) {
		repo := memory.New()
		deliverer := newRecordingDeliverer()
		uc := usecase.New(repo,
			usecase.WithDeliverer(deliverer),
			usecase.WithAudienceSource(newStaticSource(newUserIDs(3)...)),
		)
		automation := newAutomation(step(1, types.LayerPlatform, 0))
		automation.ID = "auto-big"
		automation.Settings.Safeguards.MaxAudienceSize = 2

		result, err := uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		gt.Value(t, result.Status).Equal(types.ExecutionStatusStoppedBySafety)
		gt.Array(t, deliverer.Sent()).Length(0)
	})
}

func TestSequenceExecutor_Control(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*usecase.UseCases, *gatedSleep, *recordingDeliverer, *model.Automation) {
		t.Helper()
		sleep := newGatedSleep()
		deliverer := newRecordingDeliverer()
		uc := usecase.New(memory.New(),
			usecase.WithDeliverer(deliverer),
			usecase.WithAudienceSource(newStaticSource(newUserIDs(4)...)),
			usecase.WithClock(newFakeClock(baseTime).Now),
			usecase.WithSleep(sleep.Sleep),
		)
		automation := newAutomation(step(1, types.LayerPlatform, 0), step(2, types.LayerPlatform, 60))
		automation.ID = types.NewAutomationID()
		return uc, sleep, deliverer, automation
	}

	finished := func(uc *usecase.UseCases, id types.ExecutionID) func() bool {
		return func() bool {
			exec, err := uc.Executor.GetSequenceProgress(ctx, id)
			return err == nil && exec.Status.IsTerminal() && len(uc.Executor.ListActive()) == 0
		}
	}

	t.Run("cancel stops before the next step", func(t *testing.T) {
		uc, sleep, deliverer, automation := setup(t)
		exec, err := uc.Executor.StartSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		<-sleep.waiting

		stopped, err := uc.Executor.CancelSequence(ctx, exec.ID, "copy error")
		gt.NoError(t, err).Required()
		gt.Value(t, stopped.Status).Equal(types.ExecutionStatusCancelled)

		waitFor(t, finished(uc, exec.ID))
		final, err := uc.Executor.GetSequenceProgress(ctx, exec.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, final.Status).Equal(types.ExecutionStatusCancelled)
		gt.Value(t, final.StopReason).Equal("copy error")
		gt.Array(t, final.Steps).Length(1)
		gt.Array(t, deliverer.Sent()).Length(4)

		_, err = uc.Executor.CancelSequence(ctx, exec.ID, "again")
		gt.Bool(t, errors.Is(err, usecase.ErrStatusConflict)).True()
	})

	t.Run("pause holds the sequence until resumed", func(t *testing.T) {
		uc, sleep, deliverer, automation := setup(t)
		exec, err := uc.Executor.StartSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		<-sleep.waiting

		paused, err := uc.Executor.PauseSequence(ctx, exec.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, paused.Status).Equal(types.ExecutionStatusPaused)
		close(sleep.release)

		// the wait is over but the step must not be sent while paused
		time.Sleep(50 * time.Millisecond)
		gt.Array(t, deliverer.Sent()).Length(4)
		progress, err := uc.Executor.GetSequenceProgress(ctx, exec.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, progress.Status).Equal(types.ExecutionStatusPaused)

		_, err = uc.Executor.ResumeSequence(ctx, exec.ID)
		gt.NoError(t, err).Required()

		waitFor(t, finished(uc, exec.ID))
		final, err := uc.Executor.GetSequenceProgress(ctx, exec.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, final.Status).Equal(types.ExecutionStatusCompleted)
		gt.Array(t, deliverer.Sent()).Length(8)
	})

	t.Run("emergency stop of a paused sequence", func(t *testing.T) {
		uc, sleep, deliverer, automation := setup(t)
		exec, err := uc.Executor.StartSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		<-sleep.waiting

		_, err = uc.Executor.PauseSequence(ctx, exec.ID)
		gt.NoError(t, err).Required()
		_, err = uc.Executor.EmergencyStop(ctx, exec.ID, "wrong audience")
		gt.NoError(t, err).Required()

		waitFor(t, finished(uc, exec.ID))
		final, err := uc.Executor.GetSequenceProgress(ctx, exec.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, final.Status).Equal(types.ExecutionStatusEmergencyStop)
		gt.Array(t, deliverer.Sent()).Length(4)
	})

	t.Run("the same execution cannot run twice", func(t *testing.T) {
		uc, sleep, _, automation := setup(t)
		exec, err := uc.Executor.StartSequence(ctx, automation, "", false, false)
		gt.NoError(t, err).Required()
		<-sleep.waiting

		_, err = uc.Executor.ExecuteSequence(ctx, automation, exec.ID, false, false)
		gt.Bool(t, errors.Is(err, usecase.ErrStatusConflict)).True()

		close(sleep.release)
		waitFor(t, finished(uc, exec.ID))
	})

	t.Run("unknown execution", func(t *testing.T) {
		uc, _, _, _ := setup(t)
		_, err := uc.Executor.PauseSequence(ctx, "missing")
		gt.Bool(t, errors.Is(err, usecase.ErrExecutionNotFound)).True()
	})
}

func TestSequenceExecutor_ConcurrentSequences(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	ids := newUserIDs(5)
	deliverer := newRecordingDeliverer()
	uc := usecase.New(repo,
		usecase.WithDeliverer(deliverer),
		usecase.WithAudienceSource(newStaticSource(ids...)),
	)

	const sequences = 20
	results := make([]*model.ExecutionResult, sequences)
	errs := make([]error, sequences)

	var wg sync.WaitGroup
	for i := range sequences {
		wg.Add(1)
		go func() {
			defer wg.Done()
			automation := newAutomation(step(1, types.LayerPlatform, 0), step(2, types.LayerPlatform, 0))
			automation.ID = types.NewAutomationID()
			results[i], errs[i] = uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
		}()
	}
	wg.Wait()

	for i := range sequences {
		gt.NoError(t, errs[i]).Required()
		gt.Value(t, results[i].Status).Equal(types.ExecutionStatusCompleted)
	}
	gt.Array(t, deliverer.Sent()).Length(sequences * 2 * len(ids))
	gt.Value(t, uc.Safeguard.ActiveExecutions()).Equal(0)

	rows, err := repo.Ledger().ListByUser(ctx, ids[0])
	gt.NoError(t, err).Required()
	gt.Array(t, rows).Length(sequences * 2)
}

func TestSequenceExecutor_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	clock := newFakeClock(baseTime)
	ids := newUserIDs(3)
	deliverer := newRecordingDeliverer()
	deliverer.duplicate[ids[0]] = true

	uc := usecase.New(repo,
		usecase.WithDeliverer(deliverer),
		usecase.WithAudienceSource(newStaticSource(ids...)),
		usecase.WithClock(clock.Now),
		usecase.WithSleep(clock.Sleep),
	)
	automation := newAutomation(step(1, types.LayerPlatform, 0))
	automation.ID = "auto-duplicate"

	result, err := uc.Executor.ExecuteSequence(ctx, automation, "", false, false)
	gt.NoError(t, err).Required()
	gt.Value(t, result.Status).Equal(types.ExecutionStatusCompleted)
	gt.Value(t, result.Steps[0].Sent).Equal(2)
	gt.Value(t, result.Steps[0].Duplicates).Equal(1)
	gt.Value(t, result.Steps[0].Failed).Equal(0)

	// the earlier accepted attempt owns the ledger row
	rows, err := repo.Ledger().ListByUser(ctx, ids[0])
	gt.NoError(t, err).Required()
	gt.Array(t, rows).Length(0)
	rows, err = repo.Ledger().ListByUser(ctx, ids[1])
	gt.NoError(t, err).Required()
	gt.Array(t, rows).Length(1)
}
