package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/repository/memory"
	"github.com/secmon-lab/pushblaster/pkg/service/worker"
)

const initialPolicy = `
[safeguard]
max_concurrent_executions = 7

[[cadence_rule]]
name = "layer_3_cooldown_hours"
value_in_hours = 48
`

type policyRecorder struct {
	mu       sync.Mutex
	policies []model.SafeguardPolicy
}

func (r *policyRecorder) set(p model.SafeguardPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, p)
}

func (r *policyRecorder) last() model.SafeguardPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policies[len(r.policies)-1]
}

func (r *policyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.policies)
}

func findRule(t *testing.T, repo *memory.Memory, name string) *model.CadenceRule {
	t.Helper()
	rules, err := repo.CadenceRule().List(context.Background())
	gt.NoError(t, err).Required()
	for _, r := range rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	gt.NoError(t, os.WriteFile(path, []byte(body), 0o600)).Required()
}

func TestPolicyWatcherReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.toml")
	writePolicy(t, path, initialPolicy)

	repo := memory.New()
	rec := &policyRecorder{}
	w := worker.NewPolicyWatcher(repo.CadenceRule(), path, worker.WithPolicyHandler(rec.set))

	t.Run("first load applies rules and policy", func(t *testing.T) {
		changed, err := w.Reload(ctx)
		gt.NoError(t, err).Required()
		gt.Bool(t, changed).True()
		gt.Value(t, findRule(t, repo, "layer_3_cooldown_hours").ValueInHours).Equal(48)
		gt.Value(t, rec.last().MaxConcurrentExecutions).Equal(7)
	})

	t.Run("unchanged content is skipped", func(t *testing.T) {
		changed, err := w.Reload(ctx)
		gt.NoError(t, err)
		gt.Bool(t, changed).False()
		gt.Value(t, rec.count()).Equal(1)
	})

	t.Run("invalid content keeps the last good state", func(t *testing.T) {
		writePolicy(t, path, "[[cadence_rule]]\nname = \"layer_3_cooldown_hours\"\nvalue_in_hours = 0\n")
		_, err := w.Reload(ctx)
		gt.Error(t, err)
		gt.Value(t, findRule(t, repo, "layer_3_cooldown_hours").ValueInHours).Equal(48)
		gt.Value(t, rec.count()).Equal(1)
	})

	t.Run("missing file", func(t *testing.T) {
		w := worker.NewPolicyWatcher(repo.CadenceRule(), filepath.Join(t.TempDir(), "absent.toml"))
		_, err := w.Reload(ctx)
		gt.Error(t, err)
	})
}

func TestPolicyWatcherWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	writePolicy(t, path, initialPolicy)

	repo := memory.New()
	w := worker.NewPolicyWatcher(repo.CadenceRule(), path, worker.WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gt.NoError(t, w.Start(ctx)).Required()
	defer w.Stop()

	writePolicy(t, path, `
[[cadence_rule]]
name = "layer_3_cooldown_hours"
value_in_hours = 24

[[cadence_rule]]
name = "layers_2_3_combined_limit"
value_in_hours = 168
value_count = 2
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r := findRule(t, repo, "layer_3_cooldown_hours"); r != nil && r.ValueInHours == 24 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	gt.Value(t, findRule(t, repo, "layer_3_cooldown_hours").ValueInHours).Equal(24)
	gt.Value(t, findRule(t, repo, "layers_2_3_combined_limit").ValueCount).Equal(2)
}

func TestPolicyWatcherStartFailsOnBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	writePolicy(t, path, "[safeguard\n")

	w := worker.NewPolicyWatcher(memory.New().CadenceRule(), path)
	gt.Error(t, w.Start(context.Background()))
}
