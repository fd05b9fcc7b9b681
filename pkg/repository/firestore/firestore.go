package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
)

type Firestore struct {
	client      *firestore.Client
	automation  *automationRepository
	execution   *executionRepository
	audience    *audienceRepository
	violation   *violationRepository
	ledger      *ledgerRepository
	cadenceRule *cadenceRuleRepository
}

var _ interfaces.Repository = &Firestore{}

type Option func(*Firestore)

// WithCollectionPrefix prefixes every collection name, e.g. for test isolation
func WithCollectionPrefix(prefix string) Option {
	return func(f *Firestore) {
		f.automation.collectionPrefix = prefix
		f.execution.collectionPrefix = prefix
		f.audience.collectionPrefix = prefix
		f.violation.collectionPrefix = prefix
		f.ledger.collectionPrefix = prefix
		f.cadenceRule.collectionPrefix = prefix
	}
}

// WithImportChunkSize sets how many rows one historical import transaction writes
func WithImportChunkSize(size int) Option {
	return func(f *Firestore) {
		if size > 0 {
			f.ledger.chunkSize = size
		}
	}
}

func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("projectID", projectID), goerr.V("databaseID", databaseID))
	}

	f := &Firestore{
		client:      client,
		automation:  newAutomationRepository(client),
		execution:   newExecutionRepository(client),
		audience:    newAudienceRepository(client),
		violation:   newViolationRepository(client),
		ledger:      newLedgerRepository(client),
		cadenceRule: newCadenceRuleRepository(client),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

func (f *Firestore) Automation() interfaces.AutomationRepository {
	return f.automation
}

func (f *Firestore) Execution() interfaces.ExecutionRepository {
	return f.execution
}

func (f *Firestore) Audience() interfaces.AudienceRepository {
	return f.audience
}

func (f *Firestore) Violation() interfaces.ViolationRepository {
	return f.violation
}

func (f *Firestore) Ledger() interfaces.LedgerRepository {
	return f.ledger
}

func (f *Firestore) CadenceRule() interfaces.CadenceRuleRepository {
	return f.cadenceRule
}

func (f *Firestore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func prefixed(prefix, name string) string {
	if prefix != "" {
		return prefix + "_" + name
	}
	return name
}
