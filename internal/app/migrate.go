package app

import (
	"gorm.io/gorm"

	"github.com/veripay-labs/veripay-settlement/internal/model"
)

// AutoMigrate 执行数据库自动迁移
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.SettlementRecord{},
		&model.SettlementAttempt{},
	)
}
