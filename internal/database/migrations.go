package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ranklite/linkexchange/backend/internal/inventory"
)

const migrationNormalizeInventoryDomains = "2026-05-12_normalize_inventory_domains"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeInventoryDomains, apply: normalizeInventoryDomains},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early submissions stored domains exactly as partners sent them, so the
// reciprocal-link and blacklist lookups could miss pairs that differed only
// by letter case.
func normalizeInventoryDomains(db *gorm.DB) error {
	return db.Model(&inventory.InventoryPage{}).
		Where("domain <> lower(domain)").
		Update("domain", gorm.Expr("lower(domain)")).Error
}
