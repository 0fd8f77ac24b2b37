package gormrepository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"sentinel/internal/models"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) SaveSignal(ctx context.Context, item *models.SignalRow) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListSignals(ctx context.Context, marketID string, limit int) ([]models.SignalRow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SignalRow{})
	if marketID != "" {
		query = query.Where("market_id = ?", marketID)
	}
	var items []models.SignalRow
	err := query.Order("created_at DESC").Limit(normalizeLimit(limit, 200)).Find(&items).Error
	return items, err
}

func (s *Store) DeleteExpiredSignals(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", before).
		Delete(&models.SignalRow{})
	return res.RowsAffected, res.Error
}

func (s *Store) SaveAlertRecord(ctx context.Context, item *models.AlertRecordRow) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListAlertRecords(ctx context.Context, marketID string, limit int) ([]models.AlertRecordRow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.AlertRecordRow{})
	if marketID != "" {
		query = query.Where("market_id = ?", marketID)
	}
	var items []models.AlertRecordRow
	err := query.Order("created_at DESC").Limit(normalizeLimit(limit, 200)).Find(&items).Error
	return items, err
}

func (s *Store) SavePricePoints(ctx context.Context, items []models.PricePointRow) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(items, 200).Error
}

func (s *Store) GetPriceHistory(ctx context.Context, marketID string, hours int) ([]models.PricePointRow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var items []models.PricePointRow
	err := s.db.WithContext(ctx).
		Where("market_id = ? AND at >= ?", marketID, since).
		Order("at ASC").
		Find(&items).Error
	return items, err
}

func (s *Store) SaveOrderBookSnapshot(ctx context.Context, item *models.OrderBookSnapshotRow) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) SaveBacktestResults(ctx context.Context, item *models.BacktestResultRow) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetBacktestResults(ctx context.Context, name string, limit int) ([]models.BacktestResultRow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.BacktestResultRow{})
	if name != "" {
		query = query.Where("name = ?", name)
	}
	var items []models.BacktestResultRow
	err := query.Order("created_at DESC").Limit(normalizeLimit(limit, 50)).Find(&items).Error
	return items, err
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 || limit > 1000 {
		return fallback
	}
	return limit
}
