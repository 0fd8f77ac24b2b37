package repository

import (
	"context"
	"time"

	"sentinel/internal/models"
)

// Repository is the persistent-store port. Failures are logged and counted
// by callers but never crash a loop.
type Repository interface {
	SaveSignal(ctx context.Context, item *models.SignalRow) error
	ListSignals(ctx context.Context, marketID string, limit int) ([]models.SignalRow, error)
	DeleteExpiredSignals(ctx context.Context, before time.Time) (int64, error)

	SaveAlertRecord(ctx context.Context, item *models.AlertRecordRow) error
	ListAlertRecords(ctx context.Context, marketID string, limit int) ([]models.AlertRecordRow, error)

	SavePricePoints(ctx context.Context, items []models.PricePointRow) error
	GetPriceHistory(ctx context.Context, marketID string, hours int) ([]models.PricePointRow, error)

	SaveOrderBookSnapshot(ctx context.Context, item *models.OrderBookSnapshotRow) error

	SaveBacktestResults(ctx context.Context, item *models.BacktestResultRow) error
	GetBacktestResults(ctx context.Context, name string, limit int) ([]models.BacktestResultRow, error)

	HealthCheck(ctx context.Context) error
}
