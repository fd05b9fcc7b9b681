package memory

import (
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
)

// Repository is an alias for Memory to match the pattern
type Repository = Memory

type Memory struct {
	automation  *automationRepository
	execution   *executionRepository
	audience    *audienceRepository
	violation   *violationRepository
	ledger      *ledgerRepository
	cadenceRule *cadenceRuleRepository
}

var _ interfaces.Repository = &Memory{}

type config struct {
	rules []*model.CadenceRule
}

type Option func(*config)

// WithCadenceRules replaces the default cadence rules the store starts with
func WithCadenceRules(rules []*model.CadenceRule) Option {
	return func(c *config) {
		c.rules = rules
	}
}

// New returns an empty store seeded with model.DefaultCadenceRules
func New(opts ...Option) *Memory {
	cfg := &config{rules: model.DefaultCadenceRules()}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Memory{
		automation:  newAutomationRepository(),
		execution:   newExecutionRepository(),
		audience:    newAudienceRepository(),
		violation:   newViolationRepository(),
		ledger:      newLedgerRepository(),
		cadenceRule: newCadenceRuleRepository(cfg.rules),
	}
}

func (m *Memory) Automation() interfaces.AutomationRepository {
	return m.automation
}

func (m *Memory) Execution() interfaces.ExecutionRepository {
	return m.execution
}

func (m *Memory) Audience() interfaces.AudienceRepository {
	return m.audience
}

func (m *Memory) Violation() interfaces.ViolationRepository {
	return m.violation
}

func (m *Memory) Ledger() interfaces.LedgerRepository {
	return m.ledger
}

func (m *Memory) CadenceRule() interfaces.CadenceRuleRepository {
	return m.cadenceRule
}

func (m *Memory) Close() error {
	return nil
}
