package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/utils"
)

// Open connects to Postgres, preferring KOSMOS_DATABASE_URL wholesale when
// set and otherwise assembling a DSN from the discrete KOSMOS_POSTGRES_*
// variables.
func Open(baseLog *logger.Logger) (*gorm.DB, error) {
	log := baseLog.With("component", "Store")

	dsn := utils.GetEnv("KOSMOS_DATABASE_URL", "", baseLog)
	if dsn == "" {
		host := utils.GetEnv("KOSMOS_POSTGRES_HOST", "localhost", baseLog)
		port := utils.GetEnv("KOSMOS_POSTGRES_PORT", "5432", baseLog)
		user := utils.GetEnv("KOSMOS_POSTGRES_USER", "kosmos", baseLog)
		pass := utils.GetEnv("KOSMOS_POSTGRES_PASSWORD", "", baseLog)
		name := utils.GetEnv("KOSMOS_POSTGRES_NAME", "kosmos", baseLog)
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
	}

	gormLog := gormLogger.New(
		stdLogger(),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	log.Info("connected to postgres")
	return db, nil
}

func stdLogger() *log.Logger {
	return log.New(os.Stdout, "\r\n", log.LstdFlags)
}

// AutoMigrate creates/updates every table the engine owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Execution{},
		&Stage{},
		&StageEdge{},
		&Task{},
		&TaskEdge{},
		&TaskFile{},
	)
}
