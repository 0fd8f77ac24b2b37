package db

import (
	"sentinel/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}
	return db.Gorm.AutoMigrate(
		&models.SignalRow{},
		&models.AlertRecordRow{},
		&models.PricePointRow{},
		&models.OrderBookSnapshotRow{},
		&models.BacktestResultRow{},
	)
}
