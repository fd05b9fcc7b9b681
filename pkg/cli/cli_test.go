package cli_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/cli"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/repository/sql"
)

const historicalCSV = `user_id,layer_id,push_title,sent_at,push_body
3f2c6c1e-8a0b-4f7e-9d7a-2b1c0e5d4a10,3,Back in stock,2026-09-01 10:00:00,
9b8a7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d,3,Back in stock,2026-09-01 10:00:00,
not-a-user,3,Back in stock,2026-09-01 10:00:00,
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	gt.NoError(t, os.WriteFile(path, []byte(content), 0o600)).Required()
	return path
}

func run(args ...string) error {
	return cli.Run(context.Background(), append([]string{"pushblaster", "--log-level", "error"}, args...), "test")
}

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "history.csv", historicalCSV)
	dsn := filepath.Join(dir, "ledger.db")
	ledgerArgs := []string{"--repository-backend", "memory", "--ledger-driver", "sqlite", "--ledger-dsn", dsn}

	gt.NoError(t, run("migrate", "--ledger-driver", "sqlite", "--ledger-dsn", dsn)).Required()

	t.Run("dry run writes nothing", func(t *testing.T) {
		gt.NoError(t, run(append([]string{"import", "--file", csvPath, "--dry-run"}, ledgerArgs...)...))
	})

	t.Run("strict refuses invalid rows", func(t *testing.T) {
		gt.Value(t, run(append([]string{"import", "--file", csvPath, "--strict"}, ledgerArgs...)...)).NotNil()
	})

	t.Run("imports valid rows", func(t *testing.T) {
		gt.NoError(t, run(append([]string{"import", "--file", csvPath}, ledgerArgs...)...)).Required()

		db, err := sql.New(context.Background(), sql.DriverSQLite, dsn)
		gt.NoError(t, err).Required()
		defer func() { gt.NoError(t, db.Close()) }()

		rows, err := db.Ledger().ListByUser(context.Background(), "3f2c6c1e-8a0b-4f7e-9d7a-2b1c0e5d4a10")
		gt.NoError(t, err).Required()
		gt.A(t, rows).Length(1)
		gt.Value(t, rows[0].PushBody).Equal("")
	})

	t.Run("backfill fills missing body", func(t *testing.T) {
		logs, err := json.Marshal([]model.TrackResult{
			{
				ID:           "tr-1",
				AudienceSize: 2,
				Status:       model.TrackResultStatusCompleted,
				CreatedAt:    time.Now().Add(-time.Hour),
				Title:        "Back in stock",
				Body:         "Your size is available again",
			},
			{
				ID:           "tr-2",
				AudienceSize: 200,
				Status:       model.TrackResultStatusCompleted,
				CreatedAt:    time.Now().Add(-time.Hour),
				Title:        "Weekly digest",
			},
		})
		gt.NoError(t, err).Required()
		logPath := writeFile(t, dir, "logs.json", string(logs))

		gt.NoError(t, run(append([]string{"backfill", "--file", csvPath, "--track-logs", logPath}, ledgerArgs...)...))
		gt.Value(t, run(append([]string{"backfill", "--file", csvPath, "--track-logs", logPath, "--apply", "5"}, ledgerArgs...)...)).NotNil()
		gt.NoError(t, run(append([]string{"backfill", "--file", csvPath, "--track-logs", logPath, "--apply", "1"}, ledgerArgs...)...)).Required()

		db, err := sql.New(context.Background(), sql.DriverSQLite, dsn)
		gt.NoError(t, err).Required()
		defer func() { gt.NoError(t, db.Close()) }()

		rows, err := db.Ledger().ListByUser(context.Background(), "9b8a7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d")
		gt.NoError(t, err).Required()
		gt.A(t, rows).Length(1)
		gt.Value(t, rows[0].PushBody).Equal("Your size is available again")
	})
}

func TestImportCommandMissingColumns(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "history.csv", "user_id,push_title\n3f2c6c1e-8a0b-4f7e-9d7a-2b1c0e5d4a10,hi\n")
	gt.Value(t, run("import", "--file", csvPath, "--dry-run", "--repository-backend", "memory")).NotNil()
}

func TestMigrateNeedsTarget(t *testing.T) {
	gt.Value(t, run("migrate")).NotNil()
}

func TestServeRejectsBrokenPolicy(t *testing.T) {
	dir := t.TempDir()
	policy := writeFile(t, dir, "policy.toml", "[safeguard]\nmin_health_score = 500\n")
	gt.Value(t, run("serve", "--repository-backend", "memory", "--policy", policy, "--addr", "127.0.0.1:0")).NotNil()
}
