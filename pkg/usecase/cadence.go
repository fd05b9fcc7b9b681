package usecase

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// CadenceFilter removes recipients who were notified too recently or too often
type CadenceFilter struct {
	repo interfaces.Repository
	now  func() time.Time
}

func NewCadenceFilter(repo interfaces.Repository, now func() time.Time) *CadenceFilter {
	if now == nil {
		now = time.Now
	}
	return &CadenceFilter{repo: repo, now: now}
}

// FilterUsersByCadence returns the recipients of layer that pass every active cadence rule.
// Malformed IDs are dropped. When rules cannot be loaded all well-formed IDs pass.
func (f *CadenceFilter) FilterUsersByCadence(ctx context.Context, userIDs []types.UserID, layer types.LayerID) (*model.FilterResult, error) {
	if err := layer.Validate(); err != nil {
		return nil, goerr.Wrap(ErrValidation, "invalid layer", goerr.V(LayerIDKey, int(layer)))
	}

	logger := logging.From(ctx)
	result := &model.FilterResult{}

	valid := make([]types.UserID, 0, len(userIDs))
	seen := make(map[types.UserID]bool, len(userIDs))
	for _, raw := range userIDs {
		id := raw.Normalize()
		if err := id.Validate(); err != nil {
			logger.Warn("dropping malformed user ID", "user_id", string(raw), LayerIDKey, int(layer))
			result.Exclusions.InvalidID++
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		valid = append(valid, id)
	}

	finish := func(eligible []types.UserID) *model.FilterResult {
		result.EligibleUserIDs = eligible
		result.ExcludedCount = result.Exclusions.Total()
		return result
	}

	if layer.BypassesCadence() || len(valid) == 0 {
		return finish(valid), nil
	}

	rules, err := f.repo.CadenceRule().List(ctx)
	if err != nil {
		logger.Warn("cadence rules unavailable, passing all recipients",
			"error", goerr.Wrap(ErrRuleConfiguration, err.Error()).Error(), LayerIDKey, int(layer))
		return finish(valid), nil
	}

	policy, skipped := model.CompileCadencePolicy(rules)
	for _, e := range skipped {
		logger.Warn("skipping invalid cadence rule", "error", goerr.Wrap(ErrRuleConfiguration, e.Error()).Error())
	}
	result.RulesApplied = true

	now := f.now().UTC()
	excluded := make(map[types.UserID]bool)

	if window, ok := policy.Cooldowns[layer]; ok {
		counts, err := f.repo.Ledger().CountByLayersSince(ctx, valid, []types.LayerID{layer}, now.Add(-window))
		if err != nil {
			return nil, goerr.Wrap(ErrPersistence, "failed to query cooldown",
				goerr.V(LayerIDKey, int(layer)), goerr.V("error", err.Error()))
		}
		for _, id := range valid {
			if counts[id] > 0 {
				excluded[id] = true
				result.Exclusions.Cooldown++
			}
		}
	}

	for _, limit := range policy.CombinedLimits {
		if !limit.Covers(layer) {
			continue
		}
		counts, err := f.repo.Ledger().CountByLayersSince(ctx, valid, limit.Layers, now.Add(-limit.Window))
		if err != nil {
			return nil, goerr.Wrap(ErrPersistence, "failed to query combined limit",
				goerr.V(LayerIDKey, int(layer)), goerr.V("rule", limit.Name), goerr.V("error", err.Error()))
		}
		for _, id := range valid {
			if !excluded[id] && counts[id] >= limit.MaxCount {
				excluded[id] = true
				result.Exclusions.CombinedLimit++
			}
		}
	}

	eligible := make([]types.UserID, 0, len(valid)-len(excluded))
	for _, id := range valid {
		if !excluded[id] {
			eligible = append(eligible, id)
		}
	}

	logger.Debug("cadence filter applied",
		LayerIDKey, int(layer),
		"input", len(userIDs),
		"eligible", len(eligible),
		"exclusions", result.Exclusions,
	)
	return finish(eligible), nil
}
