package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/secmon-lab/pushblaster/pkg/domain/model"
)

type cadenceRuleRepository struct {
	mu    sync.RWMutex
	rules map[string]*model.CadenceRule
}

func newCadenceRuleRepository(seed []*model.CadenceRule) *cadenceRuleRepository {
	r := &cadenceRuleRepository{rules: make(map[string]*model.CadenceRule)}
	for _, rule := range seed {
		copied := *rule
		r.rules[rule.Name] = &copied
	}
	return r
}

func (r *cadenceRuleRepository) List(ctx context.Context) ([]*model.CadenceRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*model.CadenceRule, 0, len(r.rules))
	for _, rule := range r.rules {
		copied := *rule
		rules = append(rules, &copied)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

func (r *cadenceRuleRepository) Upsert(ctx context.Context, rules []*model.CadenceRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, rule := range rules {
		copied := *rule
		copied.UpdatedAt = now
		r.rules[rule.Name] = &copied
	}
	return nil
}
