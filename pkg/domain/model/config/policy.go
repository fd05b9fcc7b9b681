package config

import (
	"bytes"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
)

// PolicyFile is the operator-maintained TOML file holding process-wide safeguard limits and
// cadence rule seeds:
//
//	[safeguard]
//	max_concurrent_executions = 50
//	min_health_score = 20
//
//	[[cadence_rule]]
//	name = "layer_3_cooldown_hours"
//	value_in_hours = 72
type PolicyFile struct {
	Safeguard    *model.SafeguardPolicy `toml:"safeguard"`
	CadenceRules []CadenceRule          `toml:"cadence_rule"`
}

// CadenceRule is one [[cadence_rule]] entry. Active defaults to true.
type CadenceRule struct {
	Name         string `toml:"name"`
	ValueInHours int    `toml:"value_in_hours"`
	ValueCount   int    `toml:"value_count"`
	Active       *bool  `toml:"is_active"`
}

// ParsePolicyFile decodes and validates a policy file
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var f PolicyFile
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&f); err != nil {
		return nil, goerr.Wrap(err, "failed to parse policy TOML")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *PolicyFile) Validate() error {
	if p := f.Safeguard; p != nil {
		if p.MaxConcurrentExecutions < 0 || p.DefaultMaxAudienceSize < 0 {
			return goerr.New("safeguard limits must not be negative")
		}
		if p.MinHealthScore < 0 || p.MinHealthScore > 100 {
			return goerr.New("min_health_score must be between 0 and 100", goerr.V("min_health_score", p.MinHealthScore))
		}
		if p.DefaultFailureRate < 0 || p.DefaultFailureRate > 1 {
			return goerr.New("default_failure_rate must be between 0 and 1", goerr.V("default_failure_rate", p.DefaultFailureRate))
		}
	}

	seen := make(map[string]bool, len(f.CadenceRules))
	for _, r := range f.CadenceRules {
		if seen[r.Name] {
			return goerr.New("duplicate cadence rule", goerr.V(model.RuleNameKey, r.Name))
		}
		seen[r.Name] = true
		if err := r.toModel().Validate(); err != nil {
			return goerr.Wrap(err, "invalid cadence rule")
		}
	}
	return nil
}

// SafeguardPolicy overlays the [safeguard] table on the defaults. Zero values keep the default.
func (f *PolicyFile) SafeguardPolicy() model.SafeguardPolicy {
	policy := model.DefaultSafeguardPolicy()
	p := f.Safeguard
	if p == nil {
		return policy
	}
	if p.MaxConcurrentExecutions > 0 {
		policy.MaxConcurrentExecutions = p.MaxConcurrentExecutions
	}
	if p.MinHealthScore > 0 {
		policy.MinHealthScore = p.MinHealthScore
	}
	if p.DefaultMaxAudienceSize > 0 {
		policy.DefaultMaxAudienceSize = p.DefaultMaxAudienceSize
	}
	if p.DefaultFailureRate > 0 {
		policy.DefaultFailureRate = p.DefaultFailureRate
	}
	return policy
}

// Rules returns the cadence rules in file order
func (f *PolicyFile) Rules() []*model.CadenceRule {
	rules := make([]*model.CadenceRule, len(f.CadenceRules))
	for i, r := range f.CadenceRules {
		rules[i] = r.toModel()
	}
	return rules
}

func (r CadenceRule) toModel() *model.CadenceRule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return &model.CadenceRule{
		Name:         r.Name,
		ValueInHours: r.ValueInHours,
		ValueCount:   r.ValueCount,
		IsActive:     active,
	}
}
