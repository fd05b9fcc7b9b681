package repository_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/repository/compose"
	"github.com/secmon-lab/pushblaster/pkg/repository/firestore"
	"github.com/secmon-lab/pushblaster/pkg/repository/memory"
	"github.com/secmon-lab/pushblaster/pkg/repository/sql"
)

func newMemoryRepository(t *testing.T) interfaces.Repository {
	t.Helper()
	return memory.New()
}

func newFirestoreRepository(t *testing.T) interfaces.Repository {
	t.Helper()

	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	if projectID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID not set")
	}

	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if databaseID == "" {
		t.Skip("TEST_FIRESTORE_DATABASE_ID not set")
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("test_%d", time.Now().UnixNano())
	repo, err := firestore.New(ctx, projectID, databaseID, firestore.WithCollectionPrefix(prefix), firestore.WithImportChunkSize(2))
	gt.NoError(t, err).Required()
	t.Cleanup(func() {
		gt.NoError(t, repo.Close())
	})
	return repo
}

// newSQLRepository keeps everything but the ledger in memory and puts the ledger in SQLite
func newSQLRepository(t *testing.T) interfaces.Repository {
	t.Helper()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	db, err := sql.New(ctx, sql.DriverSQLite, dsn, sql.WithBatchSize(2))
	gt.NoError(t, err).Required()
	gt.NoError(t, db.Migrate(ctx)).Required()

	repo := compose.New(memory.New(),
		compose.WithLedger(db.Ledger()),
		compose.WithCadenceRule(db.CadenceRule()),
		compose.WithCloser(db),
	)
	t.Cleanup(func() {
		gt.NoError(t, repo.Close())
	})
	return repo
}

// runAllBackends runs fn against every repository backend
func runAllBackends(t *testing.T, fn func(t *testing.T, newRepo func(t *testing.T) interfaces.Repository)) {
	t.Run("Memory", func(t *testing.T) { fn(t, newMemoryRepository) })
	t.Run("Firestore", func(t *testing.T) { fn(t, newFirestoreRepository) })
}

// runLedgerBackends adds the SQL backend, which only provides the ledger and cadence rules
func runLedgerBackends(t *testing.T, fn func(t *testing.T, newRepo func(t *testing.T) interfaces.Repository)) {
	runAllBackends(t, fn)
	t.Run("SQL", func(t *testing.T) { fn(t, newSQLRepository) })
}
