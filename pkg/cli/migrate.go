package cli

import (
	"context"

	"github.com/m-mizutani/fireconf"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/cli/config"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdMigrate() *cli.Command {
	var projectID string
	var databaseID string
	var collectionPrefix string
	var dryRun bool
	var ledgerCfg config.Ledger

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "firestore-project-id",
			Usage:       "Firestore Project ID. Index migration is skipped without it",
			Sources:     cli.EnvVars("PUSHBLASTER_FIRESTORE_PROJECT_ID"),
			Destination: &projectID,
		},
		&cli.StringFlag{
			Name:        "firestore-database-id",
			Usage:       "Firestore Database ID",
			Sources:     cli.EnvVars("PUSHBLASTER_FIRESTORE_DATABASE_ID"),
			Destination: &databaseID,
		},
		&cli.StringFlag{
			Name:        "firestore-collection-prefix",
			Usage:       "Prefix for every Firestore collection name",
			Sources:     cli.EnvVars("PUSHBLASTER_FIRESTORE_COLLECTION_PREFIX"),
			Destination: &collectionPrefix,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Preview Firestore index changes without applying",
			Destination: &dryRun,
		},
	}
	flags = append(flags, ledgerCfg.Flags()...)

	return &cli.Command{
		Name:    "migrate",
		Aliases: []string{"m"},
		Usage:   "Migrate Firestore indexes and the SQL ledger schema",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.Default()

			if projectID == "" && !ledgerCfg.IsConfigured() {
				return goerr.Wrap(config.ErrInvalidConfig, "nothing to migrate: set --firestore-project-id or --ledger-driver")
			}

			if projectID != "" {
				if err := migrateFirestore(ctx, projectID, databaseID, collectionPrefix, dryRun); err != nil {
					return err
				}
			}

			if ledgerCfg.IsConfigured() {
				if dryRun {
					logger.Info("Dry run mode - skipping SQL ledger migration")
					return nil
				}
				db, err := ledgerCfg.Open(ctx)
				if err != nil {
					return err
				}
				defer func() {
					if err := db.Close(); err != nil {
						logger.Error("failed to close ledger database", "error", err.Error())
					}
				}()
				if err := db.Migrate(ctx); err != nil {
					return goerr.Wrap(err, "failed to migrate ledger database")
				}
				logger.Info("Ledger schema migrated")
			}
			return nil
		},
	}
}

func migrateFirestore(ctx context.Context, projectID, databaseID, prefix string, dryRun bool) error {
	logger := logging.Default()
	logger.Info("Migrate configuration",
		"projectID", projectID,
		"databaseID", databaseID,
		"dryRun", dryRun)

	indexConfig := getIndexConfig(prefix)

	client, err := fireconf.NewClient(ctx, projectID, databaseID)
	if err != nil {
		return goerr.Wrap(err, "failed to create fireconf client")
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close fireconf client", "error", err.Error())
		}
	}()

	if !dryRun {
		logger.Info("Applying migrations")
		if err := client.Migrate(ctx, indexConfig); err != nil {
			return goerr.Wrap(err, "failed to apply migrations")
		}
		logger.Info("Migrations applied successfully")
		return nil
	}

	logger.Info("Dry run mode - previewing changes")
	plan, err := client.GetMigrationPlan(ctx, indexConfig)
	if err != nil {
		return goerr.Wrap(err, "failed to create migration plan")
	}
	if len(plan.Steps) == 0 {
		logger.Info("No changes required")
		return nil
	}
	for _, step := range plan.Steps {
		logger.Info("Migration step",
			"collection", step.Collection,
			"operation", step.Operation,
			"description", step.Description,
			"destructive", step.Destructive)
	}
	return nil
}

func ascending(paths ...string) fireconf.Index {
	fields := make([]fireconf.IndexField, len(paths))
	for i, p := range paths {
		fields[i] = fireconf.IndexField{Path: p, Order: fireconf.OrderAscending}
	}
	return fireconf.Index{Fields: fields}
}

func newestFirst(paths ...string) fireconf.Index {
	idx := ascending(paths...)
	idx.Fields = append(idx.Fields, fireconf.IndexField{Path: "Timestamp", Order: fireconf.OrderDescending})
	return idx
}

func collectionName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// getIndexConfig returns the composite indexes behind the repository queries
func getIndexConfig(prefix string) *fireconf.Config {
	return &fireconf.Config{
		Collections: []fireconf.Collection{
			{
				// CountByLayersSince: UserID in [...] and SentAt >= since
				Name:    collectionName(prefix, "user_notifications"),
				Indexes: []fireconf.Index{ascending("UserID", "SentAt")},
			},
			{
				// violation filters, newest first
				Name: collectionName(prefix, "safeguard_violations"),
				Indexes: []fireconf.Index{
					newestFirst("AutomationID"),
					newestFirst("ExecutionID"),
					newestFirst("Resolved"),
					newestFirst("AutomationID", "Resolved"),
					newestFirst("ExecutionID", "Resolved"),
					newestFirst("AutomationID", "ExecutionID"),
					newestFirst("AutomationID", "ExecutionID", "Resolved"),
				},
			},
		},
	}
}
