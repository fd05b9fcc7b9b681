// Package sql stores the notification ledger and cadence rules in a relational database
// through gorm. PostgreSQL is the production target; MySQL and SQLite are supported for
// smaller deployments and tests.
package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// DB is a gorm backed ledger store
type DB struct {
	db          *gorm.DB
	ledger      *ledgerRepository
	cadenceRule *cadenceRuleRepository
	batchSize   int

	maxOpenConns  int
	slowThreshold time.Duration
}

type Option func(*DB)

// WithMaxOpenConns sets the connection pool size
func WithMaxOpenConns(n int) Option {
	return func(d *DB) { d.maxOpenConns = n }
}

// WithBatchSize sets how many user IDs go into one IN clause
func WithBatchSize(n int) Option {
	return func(d *DB) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithSlowThreshold sets the duration above which queries are logged as slow
func WithSlowThreshold(v time.Duration) Option {
	return func(d *DB) { d.slowThreshold = v }
}

func dialector(driver Driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	default:
		return nil, goerr.New("unsupported SQL driver", goerr.V("driver", driver))
	}
}

// New opens the database. Call Migrate before first use of a fresh database.
func New(ctx context.Context, driver Driver, dsn string, opts ...Option) (*DB, error) {
	d := &DB{
		batchSize:     500,
		maxOpenConns:  25,
		slowThreshold: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}

	dial, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.New(&slogWriter{ctx: ctx}, gormlogger.Config{
			SlowThreshold:             d.slowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("driver", driver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get database handle")
	}
	sqlDB.SetMaxOpenConns(d.maxOpenConns)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("driver", driver))
	}

	d.db = db
	d.ledger = &ledgerRepository{db: db, batchSize: d.batchSize}
	d.cadenceRule = &cadenceRuleRepository{db: db}
	return d, nil
}

// Migrate creates the tables and seeds the layer catalogue and default cadence rules.
// Existing rows are left untouched.
func (d *DB) Migrate(ctx context.Context) error {
	db := d.db.WithContext(ctx)
	if err := db.AutoMigrate(&layerRow{}, &cadenceRuleRow{}, &notificationRow{}); err != nil {
		return goerr.Wrap(err, "failed to migrate ledger tables")
	}

	layers := make([]layerRow, 0, len(types.AllLayers()))
	for _, l := range types.AllLayers() {
		layers = append(layers, layerRow{ID: int(l), Name: l.Name(), Description: l.Description()})
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&layers).Error; err != nil {
		return goerr.Wrap(err, "failed to seed notification layers")
	}

	defaults := model.DefaultCadenceRules()
	rules := make([]cadenceRuleRow, 0, len(defaults))
	for _, r := range defaults {
		rules = append(rules, toCadenceRuleRow(r, time.Now().UTC()))
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rules).Error; err != nil {
		return goerr.Wrap(err, "failed to seed cadence rules")
	}

	return nil
}

func (d *DB) Ledger() interfaces.LedgerRepository {
	return d.ledger
}

func (d *DB) CadenceRule() interfaces.CadenceRuleRepository {
	return d.cadenceRule
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return goerr.Wrap(err, "failed to get database handle")
	}
	return sqlDB.Close()
}

// slogWriter routes gorm's logger through the structured logger
type slogWriter struct {
	ctx context.Context
}

func (w *slogWriter) Printf(format string, args ...any) {
	logging.From(w.ctx).Warn("gorm", "message", fmt.Sprintf(format, args...))
}
