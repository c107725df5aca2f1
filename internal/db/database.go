package db

import (
	"fmt"
	stlog "log" // GORM's logger.New expects a standard log.Logger
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log" // Use zerolog's global logger
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bigicee/atendimento-ver-conversas/internal/models"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLXDriverName maps a configured driver to the name sqlx uses for bind vars.
func SQLXDriverName(driver string) string {
	if driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// Open opens a gorm connection for the given driver and DSN. GORM's logger
// writes through zerolog at a level derived from the global zerolog level.
func Open(driver, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// A single connection serializes writers and keeps :memory: databases shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return db, nil
}

func newGormLogger() gormlogger.Interface {
	var level gormlogger.LogLevel
	switch zerolog.GlobalLevel() {
	case zerolog.Disabled, zerolog.PanicLevel, zerolog.FatalLevel:
		level = gormlogger.Silent
	case zerolog.ErrorLevel:
		level = gormlogger.Error
	case zerolog.WarnLevel, zerolog.InfoLevel:
		level = gormlogger.Warn
	default: // Debug and Trace
		level = gormlogger.Info
	}

	return gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false, // Zerolog handles coloring on console output
		},
	)
}

// Migrate runs GORM's AutoMigrate for every inbox model.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized, call Open first")
	}
	all := models.All()
	if err := db.AutoMigrate(all...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	log.Info().Int("models_migrated", len(all)).Msg("Database migration completed successfully.")
	return nil
}
