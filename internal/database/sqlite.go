package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ranklite/linkexchange/backend/internal/anchor"
	"github.com/ranklite/linkexchange/backend/internal/graph"
	"github.com/ranklite/linkexchange/backend/internal/inventory"
	"github.com/ranklite/linkexchange/backend/internal/ledger"
	"github.com/ranklite/linkexchange/backend/internal/scoring"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Row locking in the ledger and inventory paths relies on SQLite's
	// single-writer behavior; one connection keeps gorm from observing
	// stale reads across its pool.
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&ledger.CreditLedger{},
		&ledger.Transaction{},
		&graph.LinkEdge{},
		&graph.PairBlacklist{},
		&anchor.UsageLog{},
		&inventory.InventoryPage{},
		&scoring.DomainScore{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
