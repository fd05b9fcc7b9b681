package model

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// CadenceRule is one row of the cadence_rules table. The rule kind is encoded in its name:
//
//	layer_<n>_cooldown_hours            no same-layer send within ValueInHours
//	layers_<a>_<b>..._combined_limit    at most ValueCount sends across the layers within ValueInHours
type CadenceRule struct {
	Name         string
	ValueInHours int
	ValueCount   int
	IsActive     bool
	UpdatedAt    time.Time
}

var (
	cooldownRulePattern = regexp.MustCompile(`^layer_(\d+)_cooldown_hours$`)
	combinedRulePattern = regexp.MustCompile(`^layers_(\d+(?:_\d+)+)_combined_limit$`)
)

// CooldownRuleName returns the rule name of a per-layer cooldown
func CooldownRuleName(layer types.LayerID) string {
	return "layer_" + layer.String() + "_cooldown_hours"
}

// CombinedLimitRuleName returns the rule name of a combined limit over layers
func CombinedLimitRuleName(layers ...types.LayerID) string {
	parts := make([]string, len(layers))
	for i, l := range layers {
		parts[i] = l.String()
	}
	return "layers_" + strings.Join(parts, "_") + "_combined_limit"
}

// DefaultCadenceRules returns the rules seeded into a fresh rules store
func DefaultCadenceRules() []*CadenceRule {
	return []*CadenceRule{
		{Name: CooldownRuleName(types.LayerBehaviorResponsive), ValueInHours: 72, IsActive: true},
		{Name: CooldownRuleName(types.LayerNewUserSeries), ValueInHours: 96, IsActive: true},
		{Name: CombinedLimitRuleName(types.LayerProductTrending, types.LayerBehaviorResponsive), ValueInHours: 168, ValueCount: 3, IsActive: true},
	}
}

// Validate checks the rule name and values
func (r *CadenceRule) Validate() error {
	if r.ValueInHours <= 0 {
		return goerr.Wrap(ErrInvalidRule, "value_in_hours must be positive", goerr.V(RuleNameKey, r.Name), goerr.V("value_in_hours", r.ValueInHours))
	}
	switch {
	case cooldownRulePattern.MatchString(r.Name):
		if _, err := ruleLayers(cooldownRulePattern.FindStringSubmatch(r.Name)[1]); err != nil {
			return goerr.Wrap(err, "invalid cooldown rule", goerr.V(RuleNameKey, r.Name))
		}
	case combinedRulePattern.MatchString(r.Name):
		if _, err := ruleLayers(combinedRulePattern.FindStringSubmatch(r.Name)[1]); err != nil {
			return goerr.Wrap(err, "invalid combined limit rule", goerr.V(RuleNameKey, r.Name))
		}
		if r.ValueCount <= 0 {
			return goerr.Wrap(ErrInvalidRule, "value_count must be positive for a combined limit", goerr.V(RuleNameKey, r.Name))
		}
	default:
		return goerr.Wrap(ErrInvalidRule, "unknown rule name", goerr.V(RuleNameKey, r.Name))
	}
	return nil
}

func ruleLayers(s string) ([]types.LayerID, error) {
	parts := strings.Split(s, "_")
	layers := make([]types.LayerID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, goerr.Wrap(ErrInvalidRule, "layer is not a number", goerr.V(LayerIDKey, p))
		}
		layer := types.LayerID(n)
		if !layer.IsValid() {
			return nil, goerr.Wrap(ErrInvalidRule, "unknown layer", goerr.V(LayerIDKey, n))
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// CombinedLimit caps sends across a layer set within a rolling window
type CombinedLimit struct {
	Name     string
	Layers   []types.LayerID
	Window   time.Duration
	MaxCount int
}

// Covers reports whether the limit counts sends of layer
func (c *CombinedLimit) Covers(layer types.LayerID) bool {
	for _, l := range c.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// CadencePolicy is the compiled form of the active cadence rules
type CadencePolicy struct {
	Cooldowns      map[types.LayerID]time.Duration
	CombinedLimits []CombinedLimit
}

// CompileCadencePolicy turns active rules into a policy. Invalid rules are skipped and returned
// so the caller can log them.
func CompileCadencePolicy(rules []*CadenceRule) (*CadencePolicy, []error) {
	policy := &CadencePolicy{Cooldowns: make(map[types.LayerID]time.Duration)}
	var skipped []error

	sorted := make([]*CadenceRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, r := range sorted {
		if !r.IsActive {
			continue
		}
		if err := r.Validate(); err != nil {
			skipped = append(skipped, err)
			continue
		}
		window := time.Duration(r.ValueInHours) * time.Hour

		if m := cooldownRulePattern.FindStringSubmatch(r.Name); m != nil {
			layers, _ := ruleLayers(m[1])
			policy.Cooldowns[layers[0]] = window
			continue
		}
		m := combinedRulePattern.FindStringSubmatch(r.Name)
		layers, _ := ruleLayers(m[1])
		policy.CombinedLimits = append(policy.CombinedLimits, CombinedLimit{
			Name:     r.Name,
			Layers:   layers,
			Window:   window,
			MaxCount: r.ValueCount,
		})
	}

	return policy, skipped
}

// ExclusionCounts breaks down why recipients were removed
type ExclusionCounts struct {
	Cooldown      int `json:"cooldown"`
	CombinedLimit int `json:"combinedLimit"`
	InvalidID     int `json:"invalidId"`
}

// Total returns the number of excluded recipients
func (e ExclusionCounts) Total() int {
	return e.Cooldown + e.CombinedLimit + e.InvalidID
}

// FilterResult is the outcome of cadence filtering
type FilterResult struct {
	EligibleUserIDs []types.UserID
	ExcludedCount   int
	Exclusions      ExclusionCounts
	RulesApplied    bool
}
