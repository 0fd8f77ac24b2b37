package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SignalRow is the persisted form of a Signal.
type SignalRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID   string `gorm:"type:varchar(100);not null;index"`
	SignalType string `gorm:"type:varchar(50);not null;index"`

	Confidence float64        `gorm:"not null"`
	Severity   string         `gorm:"type:varchar(10)"`
	Metadata   datatypes.JSON `gorm:"type:jsonb"`

	ExpiresAt *time.Time `gorm:"type:timestamptz;index"`
	CreatedAt time.Time  `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (SignalRow) TableName() string { return "signals" }

// AlertRecordRow is the persisted alert decision/delivery outcome.
type AlertRecordRow struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	AlertID          string `gorm:"type:varchar(36);uniqueIndex"`
	MarketID         string `gorm:"type:varchar(100);not null;index"`
	SignalType       string `gorm:"type:varchar(50);not null"`
	Priority         string `gorm:"type:varchar(10);not null;index"`
	OpportunityScore float64
	NotificationSent bool      `gorm:"not null"`
	CreatedAt        time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (AlertRecordRow) TableName() string { return "alert_records" }

// PricePointRow is one archived price observation used by the backtest read
// path (GetPriceHistory).
type PricePointRow struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	MarketID  string          `gorm:"type:varchar(100);not null;index:idx_price_market_ts"`
	Outcome   int             `gorm:"not null"`
	Price     float64         `gorm:"not null"`
	Volume24h decimal.Decimal `gorm:"type:numeric(30,10)"`
	At        time.Time       `gorm:"type:timestamptz;not null;index:idx_price_market_ts"`
}

func (PricePointRow) TableName() string { return "price_history" }

// OrderBookSnapshotRow archives raw depth frames for offline analysis. The
// write path is count-limited by the stream consumer; reads are served by
// the backtest interface.
type OrderBookSnapshotRow struct {
	ID       uint64         `gorm:"primaryKey;autoIncrement"`
	MarketID string         `gorm:"type:varchar(100);not null;index"`
	AssetID  string         `gorm:"type:varchar(100);index"`
	Bids     datatypes.JSON `gorm:"type:jsonb;not null"`
	Asks     datatypes.JSON `gorm:"type:jsonb;not null"`
	BestBid  float64
	BestAsk  float64
	At       time.Time `gorm:"type:timestamptz;not null;index"`
}

func (OrderBookSnapshotRow) TableName() string { return "orderbook_snapshots" }

// BacktestResultRow stores backtest summaries; the read path is allowed to
// be empty in production deployments.
type BacktestResultRow struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	Name      string         `gorm:"type:varchar(100);not null;index"`
	Params    datatypes.JSON `gorm:"type:jsonb"`
	Results   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;autoCreateTime"`
}

func (BacktestResultRow) TableName() string { return "backtest_results" }
