// Package opportunity computes the 0..100 composite opportunity score and
// assigns monitoring tiers. Each sub-score is a [0,1] shape scaled by its
// configured weight, so the four parts sum to at most 100.
package opportunity

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"sentinel/internal/category"
	"sentinel/internal/config"
	"sentinel/internal/models"
	"time"
)

// edgeMultipliers weights categories by how often they harbor exploitable
// mispricing. Efficient, heavily-arbed categories score lower.
var edgeMultipliers = map[string]float64{
	"politics":      1.0,
	"geopolitics":   0.95,
	"economics":     0.85,
	"company":       0.80,
	"science":       0.90,
	"entertainment": 0.75,
	"sports":        0.50,
	"other":         0.60,
}

// Scorer computes opportunity scores. Categorizer supplies the per-category
// volume thresholds the volume curve is anchored on.
type Scorer struct {
	Logger      *zap.Logger
	Categorizer *category.Categorizer

	mu  sync.RWMutex
	cfg config.OpportunityConfig
}

func New(logger *zap.Logger, categorizer *category.Categorizer, cfg config.OpportunityConfig) *Scorer {
	return &Scorer{Logger: logger, Categorizer: categorizer, cfg: cfg}
}

// Reconfigure swaps weights and curve parameters on a hot config change.
func (s *Scorer) Reconfigure(cfg config.OpportunityConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scorer) config() config.OpportunityConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Score fills the market's Scores breakdown, OpportunityScore and Tier.
func (s *Scorer) Score(m *models.Market, now time.Time) models.ScoreBreakdown {
	if m == nil {
		return models.ScoreBreakdown{}
	}
	cfg := s.config()
	w := cfg.Weights

	breakdown := models.ScoreBreakdown{
		Volume:   clampRange(s.volumeShape(m, cfg)*w.Volume*100, 0, w.Volume*100),
		Edge:     clampRange(s.edgeShape(m)*w.Edge*100, 0, w.Edge*100),
		Catalyst: clampRange(s.catalystShape(m, cfg, now)*w.Catalyst*100, 0, w.Catalyst*100),
		Quality:  clampRange(s.qualityShape(m, cfg, now)*w.Quality*100, 0, w.Quality*100),
	}
	breakdown.Total = clampRange(breakdown.Volume+breakdown.Edge+breakdown.Catalyst+breakdown.Quality, 0, 100)

	m.Scores = breakdown
	m.OpportunityScore = breakdown.Total
	m.Tier = s.tier(breakdown.Total, cfg)
	return breakdown
}

func (s *Scorer) tier(total float64, cfg config.OpportunityConfig) models.Tier {
	active := cfg.ActiveTierMinScore
	if active <= 0 {
		active = 60
	}
	watch := cfg.WatchlistTierMinScore
	if watch <= 0 {
		watch = 35
	}
	switch {
	case total >= active:
		return models.TierActive
	case total >= watch:
		return models.TierWatchlist
	default:
		return models.TierIgnored
	}
}

// volumeShape peaks at optimalVolumeMultiplier times the category threshold,
// penalizing both illiquid markets and ones so large they are efficiently
// priced.
func (s *Scorer) volumeShape(m *models.Market, cfg config.OpportunityConfig) float64 {
	threshold := 10000.0
	if s.Categorizer != nil {
		threshold = s.Categorizer.Threshold(m.Category)
	}
	if m.Volume <= 0 || threshold <= 0 {
		return 0
	}

	optimal := orDefault(cfg.OptimalVolumeMultiplier, 5) * threshold
	illiquid := orDefault(cfg.IlliquidityPenaltyThreshold, 1.5) * threshold
	efficient := orDefault(cfg.EfficiencyPenaltyThreshold, 50) * threshold

	switch {
	case m.Volume < illiquid:
		return 0.5 * m.Volume / illiquid
	case m.Volume <= optimal:
		return 0.5 + 0.5*(m.Volume-illiquid)/(optimal-illiquid)
	case m.Volume <= efficient:
		// Smooth decay from the peak toward the efficiency bound.
		return 1 - 0.6*(m.Volume-optimal)/(efficient-optimal)
	default:
		return 0.3
	}
}

// edgeShape mixes the category's exploitability multiplier with classification
// confidence, plus a bonus for many-outcome markets where pricing attention
// thins out.
func (s *Scorer) edgeShape(m *models.Market) float64 {
	mult, ok := edgeMultipliers[m.Category]
	if !ok {
		mult = edgeMultipliers["other"]
	}
	catWeight := clamp01(float64(m.CategoryScore) / 3)
	shape := mult * (0.4 + 0.6*catWeight) * 0.8
	if n := len(m.Outcomes); n > 5 {
		shape += clamp01(float64(n-5)/10) * 0.2 // up to +5 of the 25-point scale
	}
	return clamp01(shape)
}

// catalystShape peaks at optimalDaysToClose and is zero outside the
// [minDaysToClose, maxDaysToClose] band; markets closing within a week get
// an urgency kicker.
func (s *Scorer) catalystShape(m *models.Market, cfg config.OpportunityConfig, now time.Time) float64 {
	ttc := m.TimeToClose(now)
	if ttc <= 0 {
		return 0
	}
	days := ttc.Hours() / 24
	minD := orDefault(cfg.MinDaysToClose, 1)
	maxD := orDefault(cfg.MaxDaysToClose, 180)
	optimal := orDefault(cfg.OptimalDaysToClose, 14)
	if days < minD || days > maxD {
		return 0
	}
	var shape float64
	if days <= optimal {
		shape = days / optimal
	} else {
		shape = 1 - (days-optimal)/(maxD-optimal)
	}
	if days <= 7 {
		shape *= 1.5
	}
	return clamp01(shape)
}

// qualityShape grades book quality: spread near the optimum, age within the
// window, and liquidity depth relative to volume.
func (s *Scorer) qualityShape(m *models.Market, cfg config.OpportunityConfig, now time.Time) float64 {
	optSpread := orDefault(cfg.OptimalSpreadBps, 200)
	spreadScore := 0.5
	if m.SpreadBps > 0 {
		spreadScore = clamp01(1 - math.Abs(m.SpreadBps-optSpread)/(4*optSpread))
	}

	maxAge := orDefault(cfg.MaxAgeDays, 90)
	ageScore := 0.5
	if age := m.MarketAge(now); age > 0 {
		days := age.Hours() / 24
		if days > maxAge {
			ageScore = 0.2
		} else {
			// Newer is better once past the first day of price discovery.
			ageScore = clamp01(1 - days/maxAge)
		}
	}

	liquidityScore := 0.0
	if m.Volume > 0 && m.Liquidity > 0 {
		liquidityScore = clamp01(m.Liquidity / (m.Volume * 0.1))
	}

	return clamp01(0.4*spreadScore + 0.3*ageScore + 0.3*liquidityScore)
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
