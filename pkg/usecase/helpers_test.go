package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Sleep advances the clock instead of waiting
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type recordingDeliverer struct {
	mu        sync.Mutex
	sent      []*model.PushMessage
	fail      map[types.UserID]bool
	duplicate map[types.UserID]bool
	gate      chan struct{}
	calls     int
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{fail: map[types.UserID]bool{}, duplicate: map[types.UserID]bool{}}
}

func (d *recordingDeliverer) Deliver(ctx context.Context, msg *model.PushMessage) error {
	d.mu.Lock()
	gate := d.gate
	d.calls++
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[msg.UserID] {
		return errors.New("device token expired")
	}
	if d.duplicate[msg.UserID] {
		return interfaces.ErrDuplicateDelivery
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *recordingDeliverer) Sent() []*model.PushMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*model.PushMessage(nil), d.sent...)
}

func (d *recordingDeliverer) SentTo(userID types.UserID) int {
	n := 0
	for _, m := range d.Sent() {
		if m.UserID == userID {
			n++
		}
	}
	return n
}

type staticSource struct {
	mu      sync.Mutex
	members []model.AudienceMember
	calls   int
}

func newStaticSource(ids ...types.UserID) *staticSource {
	members := make([]model.AudienceMember, len(ids))
	for i, id := range ids {
		members[i] = model.AudienceMember{UserID: id, Attributes: map[string]string{"first_name": "user" + string(rune('A'+i%26))}}
	}
	return &staticSource{members: members}
}

func (s *staticSource) Generate(ctx context.Context, criteria model.AudienceCriteria) ([]model.AudienceMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]model.AudienceMember(nil), s.members...), nil
}

func (s *staticSource) Count(ctx context.Context, criteria model.AudienceCriteria) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members), nil
}

func (s *staticSource) Set(ids ...types.UserID) {
	next := newStaticSource(ids...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = next.members
}

func (s *staticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// manualTimer records armed timers; tests fire them by hand
type manualTimer struct {
	mu     sync.Mutex
	timers []*armed
}

type armed struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (m *manualTimer) AfterFunc(d time.Duration, f func()) func() bool {
	a := &armed{delay: d, f: f}
	m.mu.Lock()
	m.timers = append(m.timers, a)
	m.mu.Unlock()
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !a.stopped
		a.stopped = true
		return was
	}
}

// Live returns the timers that were neither stopped nor fired
func (m *manualTimer) Live() []*armed {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*armed
	for _, a := range m.timers {
		if !a.stopped {
			live = append(live, a)
		}
	}
	return live
}

// FireAll runs every live timer once, synchronously
func (m *manualTimer) FireAll() {
	for _, a := range m.Live() {
		m.mu.Lock()
		a.stopped = true
		m.mu.Unlock()
		a.f()
	}
}

func newUserIDs(n int) []types.UserID {
	ids := make([]types.UserID, n)
	for i := range ids {
		ids[i] = types.UserID(uuid.NewString())
	}
	return ids
}

func newAutomation(steps ...model.PushStep) *model.Automation {
	if len(steps) == 0 {
		steps = []model.PushStep{{SequenceOrder: 1, Title: "Hello {{.first_name}}", Body: "Something new", Layer: types.LayerProductTrending}}
	}
	typ := types.AutomationTypeSequence
	if len(steps) == 1 {
		typ = types.AutomationTypeSingle
	}
	return &model.Automation{
		Name:         "weekly digest",
		Type:         typ,
		PushSequence: steps,
		Schedule: model.Schedule{
			Frequency:     types.FrequencyDaily,
			ExecutionTime: "10:00",
			Timezone:      "UTC",
		},
		AudienceCriteria: model.AudienceCriteria{Source: "static"},
		Settings: model.AutomationSettings{
			CancellationWindowMinutes: 5,
			EmergencyStopEnabled:      true,
		},
	}
}

func recordSend(t *testing.T, repo interfaces.Repository, userID types.UserID, layer types.LayerID, at time.Time) {
	t.Helper()
	err := repo.Ledger().Record(context.Background(), &model.UserNotification{
		ID:        model.NewNotificationID(),
		UserID:    userID,
		LayerID:   layer,
		SentAt:    at,
		PushTitle: "earlier push",
	})
	if err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}
}

// failingRules makes the cadence rules store unreachable
type failingRules struct {
	interfaces.Repository
}

func (f *failingRules) CadenceRule() interfaces.CadenceRuleRepository {
	return brokenRuleStore{}
}

type brokenRuleStore struct{}

func (brokenRuleStore) List(ctx context.Context) ([]*model.CadenceRule, error) {
	return nil, errors.New("relation \"cadence_rules\" does not exist")
}

func (brokenRuleStore) Upsert(ctx context.Context, rules []*model.CadenceRule) error {
	return errors.New("relation \"cadence_rules\" does not exist")
}

// failingExecutions refuses to store executions
type failingExecutions struct {
	interfaces.Repository
}

func (f *failingExecutions) Execution() interfaces.ExecutionRepository {
	return brokenExecutionStore{f.Repository.Execution()}
}

type brokenExecutionStore struct {
	interfaces.ExecutionRepository
}

func (brokenExecutionStore) Put(ctx context.Context, execution *model.Execution) error {
	return errors.New("deadline exceeded")
}
