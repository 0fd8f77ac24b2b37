// Package alert turns scored signals into send/suppress decisions: quality
// filters, priority assignment, hourly rate limits and per-market cooldowns.
package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/metrics"
	"sentinel/internal/models"
)

// Priority orders alert urgency. Delivery lanes and rate limits are keyed on it.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities for queue scheduling; higher drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Decision is the full evaluation outcome for one signal.
type Decision struct {
	ShouldAlert       bool
	Priority          Priority
	Reason            string
	AdjustedScore     float64
	CooldownRemaining time.Duration
}

// HistoryEntry is one recorded alert attempt for a market.
type HistoryEntry struct {
	MarketID         string
	SignalType       models.SignalType
	Priority         Priority
	OpportunityScore float64
	At               time.Time
	NotificationSent bool
}

type hourCounter struct {
	windowStart time.Time
	count       int
}

// Manager owns all alerting state. All mutations are serialized; Evaluate
// observes its own most recent RecordAlert.
type Manager struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector

	mu       sync.Mutex
	cfg      config.AlertsConfig
	counters map[Priority]*hourCounter
	cooldown map[string]time.Time // marketID|priority -> last sent
	history  map[string][]HistoryEntry
}

func NewManager(logger *zap.Logger, collector *metrics.Collector, cfg config.AlertsConfig) *Manager {
	return &Manager{
		Logger:   logger,
		Metrics:  collector,
		cfg:      cfg,
		counters: map[Priority]*hourCounter{},
		cooldown: map[string]time.Time{},
		history:  map[string][]HistoryEntry{},
	}
}

// Reconfigure swaps thresholds and limits on a hot config change. Counters,
// cooldowns and history survive the swap.
func (m *Manager) Reconfigure(cfg config.AlertsConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Evaluate runs the decision ladder for one signal against its market copy.
func (m *Manager) Evaluate(sig models.Signal, market *models.Market, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg

	if !cfg.Enabled {
		return Decision{Priority: PriorityLow, Reason: "disabled"}
	}
	if market == nil {
		return Decision{Priority: PriorityLow, Reason: "no market attached"}
	}

	// Quality filter.
	if market.Blacklisted {
		return m.filtered("blacklisted")
	}
	if market.OpportunityScore < cfg.MinOpportunityScore {
		return m.filtered(fmt.Sprintf("opportunity score %.1f below minimum %.1f", market.OpportunityScore, cfg.MinOpportunityScore))
	}
	if market.CategoryScore < cfg.MinCategoryScore {
		return m.filtered(fmt.Sprintf("category score %d below minimum %d", market.CategoryScore, cfg.MinCategoryScore))
	}
	if market.Tier == models.TierIgnored || market.Tier == "" {
		return m.filtered("tier IGNORED")
	}

	// Adjusted score and priority.
	adjusted := market.OpportunityScore
	if market.Tier == models.TierWatchlist {
		boost := cfg.WatchlistBoost
		if boost == 0 {
			boost = 5
		}
		adjusted += boost
	}
	adjusted = clampRange(adjusted, 0, 100)
	priority := m.priorityFor(adjusted, cfg)

	// Tier minimum: WATCHLIST markets only alert at MEDIUM and above.
	if market.Tier == models.TierWatchlist && priority.Rank() < PriorityMedium.Rank() {
		d := m.filtered(fmt.Sprintf("tier minimum: WATCHLIST requires MEDIUM+, got %s", priority))
		d.AdjustedScore = adjusted
		return d
	}

	// Hourly rate limit.
	if c := m.counters[priority]; c != nil {
		if now.Sub(c.windowStart) >= time.Hour {
			c.windowStart = time.Time{}
			c.count = 0
		}
		if c.count >= m.maxPerHour(priority, cfg) {
			if m.Metrics != nil {
				m.Metrics.Inc(metrics.CounterAlertsRateLimited, map[string]string{"priority": string(priority)})
			}
			return Decision{
				Priority:      priority,
				AdjustedScore: adjusted,
				Reason:        fmt.Sprintf("Rate limit reached for %s (%d/hour)", priority, m.maxPerHour(priority, cfg)),
			}
		}
	}

	// Cooldown per (market, priority).
	key := cooldownKey(market.ID, priority)
	if last, ok := m.cooldown[key]; ok {
		cd := m.cooldownFor(priority, cfg)
		if elapsed := now.Sub(last); elapsed < cd {
			return Decision{
				Priority:          priority,
				AdjustedScore:     adjusted,
				Reason:            fmt.Sprintf("cooldown active for %s/%s", market.ID, priority),
				CooldownRemaining: cd - elapsed,
			}
		}
	}

	return Decision{ShouldAlert: true, Priority: priority, AdjustedScore: adjusted, Reason: "approved"}
}

func (m *Manager) filtered(reason string) Decision {
	return Decision{Priority: PriorityLow, Reason: "filtered: " + reason}
}

func (m *Manager) priorityFor(adjusted float64, cfg config.AlertsConfig) Priority {
	critical := orDefault(cfg.CriticalThreshold, 80)
	high := orDefault(cfg.HighThreshold, 60)
	medium := orDefault(cfg.MediumThreshold, 40)
	switch {
	case adjusted >= critical:
		return PriorityCritical
	case adjusted >= high:
		return PriorityHigh
	case adjusted >= medium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func (m *Manager) maxPerHour(p Priority, cfg config.AlertsConfig) int {
	switch p {
	case PriorityCritical:
		return orDefaultInt(cfg.RateLimits.Critical, 10)
	case PriorityHigh:
		return orDefaultInt(cfg.RateLimits.High, 20)
	case PriorityMedium:
		return orDefaultInt(cfg.RateLimits.Medium, 30)
	default:
		return orDefaultInt(cfg.RateLimits.Low, 60)
	}
}

func (m *Manager) cooldownFor(p Priority, cfg config.AlertsConfig) time.Duration {
	switch p {
	case PriorityCritical:
		return orDefaultDur(cfg.Cooldowns.Critical, 30*time.Minute)
	case PriorityHigh:
		return orDefaultDur(cfg.Cooldowns.High, time.Hour)
	case PriorityMedium:
		return orDefaultDur(cfg.Cooldowns.Medium, 2*time.Hour)
	default:
		return orDefaultDur(cfg.Cooldowns.Low, 4*time.Hour)
	}
}

// RecordAlert appends to the per-market history. Only a sent notification
// advances the hourly counter and arms the cooldown: a failed delivery must
// not suppress the retry path.
func (m *Manager) RecordAlert(sig models.Signal, priority Priority, opportunityScore float64, sent bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[sig.MarketID] = append(m.history[sig.MarketID], HistoryEntry{
		MarketID:         sig.MarketID,
		SignalType:       sig.Type,
		Priority:         priority,
		OpportunityScore: opportunityScore,
		At:               now,
		NotificationSent: sent,
	})
	if !sent {
		return
	}

	c, ok := m.counters[priority]
	if !ok {
		c = &hourCounter{}
		m.counters[priority] = c
	}
	if c.count == 0 || now.Sub(c.windowStart) >= time.Hour {
		c.windowStart = now
		c.count = 0
	}
	c.count++
	m.cooldown[cooldownKey(sig.MarketID, priority)] = now

	if m.Metrics != nil {
		m.Metrics.Inc(metrics.CounterAlertsSent, map[string]string{"priority": string(priority)})
	}
}

// History returns a copy of the recorded attempts for one market.
func (m *Manager) History(marketID string) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoryEntry(nil), m.history[marketID]...)
}

// HourlyCount exposes the live counter for a priority.
func (m *Manager) HourlyCount(p Priority, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[p]
	if !ok || now.Sub(c.windowStart) >= time.Hour {
		return 0
	}
	return c.count
}

// Sweep drops history older than 24h and cooldowns whose period has elapsed.
// The cron runner calls this hourly.
func (m *Manager) Sweep(now time.Time) (historyDropped, cooldownsDropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-24 * time.Hour)
	for id, entries := range m.history {
		kept := entries[:0]
		for _, e := range entries {
			if e.At.After(cutoff) {
				kept = append(kept, e)
			} else {
				historyDropped++
			}
		}
		if len(kept) == 0 {
			delete(m.history, id)
		} else {
			m.history[id] = kept
		}
	}
	for key, last := range m.cooldown {
		p := priorityFromKey(key)
		if now.Sub(last) >= m.cooldownFor(p, m.cfg) {
			delete(m.cooldown, key)
			cooldownsDropped++
		}
	}
	if m.Logger != nil && (historyDropped > 0 || cooldownsDropped > 0) {
		m.Logger.Debug("alert sweep",
			zap.Int("history_dropped", historyDropped),
			zap.Int("cooldowns_dropped", cooldownsDropped),
		)
	}
	return historyDropped, cooldownsDropped
}

func cooldownKey(marketID string, p Priority) string {
	return marketID + "|" + string(p)
}

func priorityFromKey(key string) Priority {
	if i := strings.LastIndexByte(key, '|'); i >= 0 {
		return Priority(key[i+1:])
	}
	return PriorityLow
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
