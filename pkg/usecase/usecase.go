package usecase

import (
	"context"
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

type UseCases struct {
	repo       interfaces.Repository
	deliverer  interfaces.Deliverer
	source     interfaces.AudienceSource
	alerter    interfaces.Alerter
	policy     model.SafeguardPolicy
	instanceID types.InstanceID

	now                func() time.Time
	sleep              func(ctx context.Context, d time.Duration) error
	timer              TimerFunc
	maxConcurrentSends int
	sendTimeout        time.Duration
	audienceTTL        time.Duration
	pollInterval       time.Duration
	orphanAfter        time.Duration

	Automation   *AutomationUseCase
	Notification *NotificationUseCase
	Cadence      *CadenceFilter
	Audience     *AudienceProcessor
	Safeguard    *SafeguardMonitor
	Executor     *SequenceExecutor
	Engine       *AutomationEngine
	Restoration  *RestorationUseCase
}

type Option func(*UseCases)

func WithDeliverer(d interfaces.Deliverer) Option {
	return func(uc *UseCases) {
		uc.deliverer = d
	}
}

func WithAudienceSource(src interfaces.AudienceSource) Option {
	return func(uc *UseCases) {
		uc.source = src
	}
}

func WithAlerter(a interfaces.Alerter) Option {
	return func(uc *UseCases) {
		uc.alerter = a
	}
}

func WithSafeguardPolicy(policy model.SafeguardPolicy) Option {
	return func(uc *UseCases) {
		uc.policy = policy
	}
}

func WithInstanceID(id types.InstanceID) Option {
	return func(uc *UseCases) {
		uc.instanceID = id
	}
}

// WithClock replaces time.Now. Mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(uc *UseCases) {
		uc.now = now
	}
}

// WithSleep replaces the wait between sequence steps. Mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(uc *UseCases) {
		uc.sleep = sleep
	}
}

// WithTimer replaces time.AfterFunc for schedule timers. Mostly for tests.
func WithTimer(timer TimerFunc) Option {
	return func(uc *UseCases) {
		uc.timer = timer
	}
}

func WithMaxConcurrentSends(n int) Option {
	return func(uc *UseCases) {
		uc.maxConcurrentSends = n
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(uc *UseCases) {
		uc.sendTimeout = d
	}
}

func WithAudienceTTL(d time.Duration) Option {
	return func(uc *UseCases) {
		uc.audienceTTL = d
	}
}

// WithControlPollInterval sets how often a paused execution re-reads the Automation Store
// for a resume or stop issued by another instance
func WithControlPollInterval(d time.Duration) Option {
	return func(uc *UseCases) {
		if d > 0 {
			uc.pollInterval = d
		}
	}
}

// WithOrphanAfter sets how long an execution owned by another instance may go without
// progress before Restore takes it over
func WithOrphanAfter(d time.Duration) Option {
	return func(uc *UseCases) {
		if d > 0 {
			uc.orphanAfter = d
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func New(repo interfaces.Repository, opts ...Option) *UseCases {
	uc := &UseCases{
		repo:               repo,
		policy:             model.DefaultSafeguardPolicy(),
		instanceID:         types.NewInstanceID(),
		now:                time.Now,
		sleep:              sleepContext,
		timer:              afterFunc,
		maxConcurrentSends: DefaultMaxConcurrentSends,
		sendTimeout:        DefaultSendTimeout,
		audienceTTL:        DefaultAudienceTTL,
		pollInterval:       DefaultControlPollInterval,
		orphanAfter:        DefaultOrphanAfter,
	}

	for _, opt := range opts {
		opt(uc)
	}

	uc.Automation = NewAutomationUseCase(repo, uc.now)
	uc.Notification = NewNotificationUseCase(repo, uc.now)
	uc.Cadence = NewCadenceFilter(repo, uc.now)
	uc.Audience = NewAudienceProcessor(repo, uc.source, uc.audienceTTL, uc.now)
	uc.Safeguard = NewSafeguardMonitor(repo, uc.policy, uc.alerter, uc.now)
	uc.Executor = newSequenceExecutor(uc)
	uc.Engine = newAutomationEngine(uc)
	uc.Restoration = NewRestorationUseCase(repo, uc.now)

	return uc
}
