package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the monitoring intensity class assigned by the opportunity scorer.
// ACTIVE markets get real-time order-book streaming, WATCHLIST markets are
// polled, IGNORED markets are excluded from alerting entirely.
type Tier string

const (
	TierActive    Tier = "ACTIVE"
	TierWatchlist Tier = "WATCHLIST"
	TierIgnored   Tier = "IGNORED"
)

// ScoreBreakdown carries the four opportunity sub-scores plus the weighted total.
type ScoreBreakdown struct {
	Volume   float64 `json:"volume"`
	Edge     float64 `json:"edge"`
	Catalyst float64 `json:"catalyst"`
	Quality  float64 `json:"quality"`
	Total    float64 `json:"total"`
}

// Market is the per-tick working copy of a venue market. It is fetched from
// the catalog each scan tick, then mutated by the categorizer, opportunity
// scorer and tier assigner in that order. After a signal referencing it has
// been enqueued for notification the copy is never mutated again.
type Market struct {
	ID          string
	Slug        string
	Question    string
	Description string

	Outcomes      []string
	OutcomePrices []float64
	TokenIDs      []string

	Volume    float64
	Volume24h float64
	Liquidity float64

	Active bool
	Closed bool

	CreatedAt time.Time
	EndDate   time.Time
	Tags      []string

	// Derived fields, populated inside a scan tick.
	Category         string
	CategoryScore    int
	Blacklisted      bool
	Tier             Tier
	OpportunityScore float64
	Scores           ScoreBreakdown
	SpreadBps        float64
	ActivityScore    float64
}

// MarketAge returns how long the market has existed; zero when CreatedAt is unset.
func (m *Market) MarketAge(now time.Time) time.Duration {
	if m.CreatedAt.IsZero() {
		return 0
	}
	age := now.Sub(m.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// TimeToClose returns the remaining lifetime; negative when already past EndDate.
func (m *Market) TimeToClose(now time.Time) time.Duration {
	if m.EndDate.IsZero() {
		return 0
	}
	return m.EndDate.Sub(now)
}

// SearchText is the lower-cased question+description blob the categorizer
// and clusterer match keywords against.
func (m *Market) SearchText() string {
	return strings.ToLower(m.Question + " " + m.Description)
}

func (m *Market) URL() string {
	if m.Slug == "" {
		return fmt.Sprintf("https://polymarket.com/market/%s", m.ID)
	}
	return fmt.Sprintf("https://polymarket.com/event/%s", m.Slug)
}

// Snapshot is the per-tick observation retained in the per-market history
// ring. PriceChange maps outcome index to percent change since the prior
// snapshot.
type Snapshot struct {
	MarketID        string
	At              time.Time
	Volume24h       float64
	Prices          []float64
	PriceChange     map[int]float64
	ActivityScore   float64
	VolumeChangePct float64
}

// Valid reports whether the snapshot is usable by the detectors. Corrupted
// history entries are skipped rather than aborting a detection pass.
func (s Snapshot) Valid() bool {
	if s.MarketID == "" || s.At.IsZero() {
		return false
	}
	if s.Volume24h < 0 {
		return false
	}
	for _, p := range s.Prices {
		if p < 0 || p > 1 {
			return false
		}
	}
	return true
}
