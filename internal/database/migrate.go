package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/Aidin1998/tradeguard/pkg/models"
)

// Partial unique indexes backing the one-open-row-per-trade rules. Both
// PostgreSQL and SQLite accept this syntax.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_escrow_holds_open_role
		ON escrow_holds (trade_id, role) WHERE status IN ('unpaid', 'held')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_middleman_assignments_open
		ON middleman_assignments (trade_id) WHERE status IN ('pending', 'accepted')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_supervision_sessions_open
		ON supervision_sessions (trade_id) WHERE status IN ('active', 'completing')`,
}

// Migrate creates or updates every table the trade core owns
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Trade{},
		&models.TradeStatusTransition{},
		&models.EscrowHold{},
		&models.Middleman{},
		&models.MiddlemanAssignment{},
		&models.SupervisionSession{},
		&models.TradeIssue{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
