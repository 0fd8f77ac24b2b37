package bot

import (
	"context"

	"sentinel/internal/models"
)

// Catalog is the market-catalog port. Only the orchestrator talks to it.
type Catalog interface {
	GetMarketsWithMinVolume(ctx context.Context, minVolume float64, maxMarkets int) ([]*models.Market, error)
	GetMarketByID(ctx context.Context, id string) (*models.Market, error)
	HealthCheck(ctx context.Context) error
}

// OrderBookStream is the live depth feed port. The adapter owns reconnects;
// the orchestrator consumes Events and retargets the asset set per tick.
type OrderBookStream interface {
	Run(ctx context.Context) error
	SetAssets(assetIDs []string)
	Events() <-chan *models.OrderBook
	Healthy() bool
}
