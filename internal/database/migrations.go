package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/profiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeProfileRoles = "2024-06-01_normalize_profile_roles"
	migrationStripProviderPrefix   = "2024-06-12_strip_provider_prefix"
)

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
		{name: migrationNormalizeProfileRoles, apply: normalizeProfileRoles},
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeProfileRoles lowercases stored roles and turns blank or unknown values
// into NULL so the column only ever holds a supported tier.
func normalizeProfileRoles(db *gorm.DB) error {
	if err := db.Model(&profiles.Profile{}).
		Where("role IS NOT NULL").
		Update("role", gorm.Expr("lower(trim(role))")).Error; err != nil {
		return err
	}
	return db.Model(&profiles.Profile{}).
		Where("role NOT IN ?", []string{"user", "owner", "agent", "admin"}).
		Update("role", nil).Error
}

func stripProviderPrefix(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	for _, table := range []string{"users", "role_upgrade_requests", "audit_events"} {
		statement := fmt.Sprintf("UPDATE %s SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%';", table, start, prefix)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
