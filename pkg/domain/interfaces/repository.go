package interfaces

// Repository aggregates every store the platform needs
type Repository interface {
	Automation() AutomationRepository
	Execution() ExecutionRepository
	Audience() AudienceRepository
	Violation() ViolationRepository
	Ledger() LedgerRepository
	CadenceRule() CadenceRuleRepository

	Close() error
}
