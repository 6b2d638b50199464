// Package testutil provides the sqlite-backed database fixtures shared by
// every package's tests. DB opens a fresh in-memory sqlite database per
// call, so no external database service is needed to run this module's
// test suite even though the production Store runs against Postgres.
package testutil

import (
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/store"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

// Logger returns a shared *logger.Logger for tests, built once per process.
func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB opens a fresh in-memory sqlite database, migrated with every store
// model, and closes the underlying connection on test cleanup.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		tb.Fatalf("automigrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("underlying sql.DB: %v", err)
	}
	// sqlite only tolerates one writer at a time; the store's real backend
	// (Postgres) has no such restriction, so this is a test-only constraint.
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Store builds a *store.Store over a fresh in-memory database.
func Store(tb testing.TB) *store.Store {
	tb.Helper()
	return store.New(DB(tb), Logger(tb))
}

func PtrInt(v int) *int { return &v }
