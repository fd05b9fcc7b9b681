package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/repository/compose"
	"github.com/secmon-lab/pushblaster/pkg/repository/firestore"
	"github.com/secmon-lab/pushblaster/pkg/repository/memory"
	"github.com/secmon-lab/pushblaster/pkg/repository/sql"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Repository holds CLI flags for the automation store backend
type Repository struct {
	backend          string
	projectID        string
	databaseID       string
	collectionPrefix string

	ledger Ledger
}

// Flags returns CLI flags for repository configuration, including the SQL ledger flags
func (r *Repository) Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "repository-backend",
			Usage:       "Repository backend type (firestore or memory)",
			Category:    "Repository",
			Value:       "firestore",
			Sources:     cli.EnvVars("PUSHBLASTER_REPOSITORY_BACKEND"),
			Destination: &r.backend,
		},
		&cli.StringFlag{
			Name:        "firestore-project-id",
			Usage:       "Firestore Project ID (required when using firestore backend)",
			Category:    "Repository",
			Sources:     cli.EnvVars("PUSHBLASTER_FIRESTORE_PROJECT_ID"),
			Destination: &r.projectID,
		},
		&cli.StringFlag{
			Name:        "firestore-database-id",
			Usage:       "Firestore Database ID",
			Category:    "Repository",
			Sources:     cli.EnvVars("PUSHBLASTER_FIRESTORE_DATABASE_ID"),
			Destination: &r.databaseID,
		},
		&cli.StringFlag{
			Name:        "firestore-collection-prefix",
			Usage:       "Prefix for every Firestore collection name",
			Category:    "Repository",
			Sources:     cli.EnvVars("PUSHBLASTER_FIRESTORE_COLLECTION_PREFIX"),
			Destination: &r.collectionPrefix,
		},
	}
	return append(flags, r.ledger.Flags()...)
}

func (r Repository) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("backend", r.backend),
		slog.String("project_id", r.projectID),
		slog.String("database_id", r.databaseID),
		slog.Any("ledger", r.ledger),
	)
}

// Backend returns the configured backend type
func (r *Repository) Backend() string {
	return r.backend
}

// ProjectID returns the Firestore project ID
func (r *Repository) ProjectID() string {
	return r.projectID
}

// DatabaseID returns the Firestore database ID
func (r *Repository) DatabaseID() string {
	return r.databaseID
}

// Ledger returns the SQL ledger flags
func (r *Repository) Ledger() *Ledger {
	return &r.ledger
}

// Configure initializes the repository. When a SQL ledger is configured the ledger and cadence
// rules are served from it and everything else from the base backend.
// The caller is responsible for calling Close() on the returned repository.
func (r *Repository) Configure(ctx context.Context) (interfaces.Repository, error) {
	base, err := r.base(ctx)
	if err != nil {
		return nil, err
	}
	if !r.ledger.IsConfigured() {
		return base, nil
	}

	db, err := r.ledger.Open(ctx)
	if err != nil {
		if cerr := base.Close(); cerr != nil {
			logging.Default().Error("failed to close repository", "error", cerr.Error())
		}
		return nil, err
	}
	return compose.New(base,
		compose.WithLedger(db.Ledger()),
		compose.WithCadenceRule(db.CadenceRule()),
		compose.WithCloser(db),
	), nil
}

func (r *Repository) base(ctx context.Context) (interfaces.Repository, error) {
	switch r.backend {
	case "firestore":
		if r.projectID == "" {
			return nil, goerr.Wrap(ErrInvalidConfig, "firestore-project-id is required when using firestore backend")
		}
		repo, err := firestore.New(ctx, r.projectID, r.databaseID, firestore.WithCollectionPrefix(r.collectionPrefix))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize firestore repository")
		}
		logging.Default().Info("Using Firestore repository",
			"project_id", r.projectID,
			"database_id", r.databaseID,
		)
		return repo, nil

	case "memory":
		logging.Default().Info("Using in-memory repository (development mode)")
		return memory.New(), nil

	default:
		return nil, goerr.Wrap(ErrInvalidConfig, "invalid repository backend", goerr.V("backend", r.backend))
	}
}

// Ledger holds CLI flags for the relational notification ledger
type Ledger struct {
	driver    string
	dsn       string
	batchSize int
}

func (l *Ledger) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "ledger-driver",
			Usage:       "SQL driver for the notification ledger (postgres, mysql, sqlite). Empty keeps the ledger in the repository backend",
			Category:    "Ledger",
			Sources:     cli.EnvVars("PUSHBLASTER_LEDGER_DRIVER"),
			Destination: &l.driver,
		},
		&cli.StringFlag{
			Name:        "ledger-dsn",
			Usage:       "DSN of the ledger database",
			Category:    "Ledger",
			Sources:     cli.EnvVars("PUSHBLASTER_LEDGER_DSN"),
			Destination: &l.dsn,
		},
		&cli.IntFlag{
			Name:        "ledger-batch-size",
			Usage:       "User IDs per ledger lookup query",
			Category:    "Ledger",
			Value:       500,
			Sources:     cli.EnvVars("PUSHBLASTER_LEDGER_BATCH_SIZE"),
			Destination: &l.batchSize,
		},
	}
}

func (l Ledger) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("driver", l.driver),
		slog.Int("dsn.len", len(l.dsn)),
	)
}

// IsConfigured reports whether a SQL ledger was requested
func (l *Ledger) IsConfigured() bool {
	return l.driver != ""
}

// Open connects to the ledger database
func (l *Ledger) Open(ctx context.Context) (*sql.DB, error) {
	if l.dsn == "" {
		return nil, goerr.Wrap(ErrInvalidConfig, "ledger-dsn is required with ledger-driver", goerr.V("driver", l.driver))
	}
	db, err := sql.New(ctx, sql.Driver(l.driver), l.dsn, sql.WithBatchSize(l.batchSize))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open ledger database")
	}
	logging.Default().Info("Using SQL ledger", "driver", l.driver)
	return db, nil
}
