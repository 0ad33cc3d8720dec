// internal/db/migrations.go
package db

import (
	"fmt"

	"tracklink/internal/models"

	"gorm.io/gorm"
)

// Migrate creates/updates the tables this service owns or reads, then adds
// the dialect-specific index for the pending-row scan.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(
		&models.Protocol{},
		&models.Device{},
		&models.RawMessage{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return MigratePendingIndex(db)
}

// MigratePendingIndex adds a partial index over unprocessed rows where the
// dialect supports it; the claim query only ever touches those.
func MigratePendingIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	switch dialect {
	case "postgres":
		return db.Exec(`CREATE INDEX IF NOT EXISTS ix_raw_unprocessed ON "raw_messages" ("received_at", "id") WHERE "processed" = false`).Error

	case "sqlite":
		return db.Exec(`CREATE INDEX IF NOT EXISTS ix_raw_unprocessed ON raw_messages (received_at, id) WHERE processed = 0`).Error

	case "mysql":
		// no partial indexes; idx_raw_pending (processed, received_at) from the model covers it
		return nil

	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}
