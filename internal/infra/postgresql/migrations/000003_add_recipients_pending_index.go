package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Partial index backing the processor's pending scan.
func addRecipientsPendingIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_recipients_pending_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_recipients_pending ON recipients (campaign_id, created_at) WHERE status = 'pending'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_recipients_pending`).Error
		},
	}
}
