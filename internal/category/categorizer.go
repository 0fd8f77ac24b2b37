// Package category classifies markets into topic categories, blacklists
// unservable ones, and applies per-category volume floors.
package category

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/models"
)

// categoryKeywords is the fixed classification table. Scores are keyword hit
// counts; the highest-scoring category with at least one hit wins.
var categoryKeywords = map[string][]string{
	"politics": {
		"election", "president", "senate", "congress", "governor", "vote",
		"primary", "nominee", "impeach", "cabinet", "supreme court", "poll",
	},
	"geopolitics": {
		"war", "ceasefire", "invasion", "treaty", "sanctions", "nato",
		"ukraine", "russia", "china", "taiwan", "israel", "iran", "north korea",
	},
	"economics": {
		"fed", "fomc", "inflation", "cpi", "gdp", "recession", "interest rate",
		"rate cut", "rate hike", "unemployment", "tariff", "treasury",
	},
	"company": {
		"earnings", "ipo", "acquisition", "merger", "ceo", "stock", "tesla",
		"apple", "nvidia", "openai", "bankruptcy", "lawsuit",
	},
	"science": {
		"nasa", "spacex", "launch", "vaccine", "fda", "climate", "hurricane",
		"earthquake", "nobel", "discovery", "trial",
	},
	"sports": {
		"nba", "nfl", "mlb", "nhl", "champions league", "world cup", "olympics",
		"super bowl", "playoffs", "championship", "ufc", "grand slam",
	},
	"entertainment": {
		"oscar", "grammy", "emmy", "box office", "album", "movie", "netflix",
		"taylor swift", "celebrity", "royal",
	},
}

// blacklistPhrases are hard exclusions regardless of category.
var blacklistPhrases = []string{
	"will the price of",
	"price at midnight",
	"up or down",
	"15 minute",
	"hourly candle",
	"test market",
}

// Crypto price-prediction markets are noise unless tied to an event catalyst.
var (
	cryptoTerms   = []string{"bitcoin", "btc", "ethereum", "eth", "crypto", "cryptocurrency", "coin"}
	priceTerms    = []string{"price", "reach", "hit", "$", "above", "below", "all-time high", "ath", "surpass"}
	catalystTerms = []string{"etf", "approval", "launch", "mainnet", "fork", "halving", "listing", "sec"}
)

// Categorizer classifies and filters markets. Volume thresholds are
// hot-reloadable; the keyword tables are fixed.
type Categorizer struct {
	Logger *zap.Logger

	mu  sync.RWMutex
	cfg config.CategoriesConfig
}

func New(logger *zap.Logger, cfg config.CategoriesConfig) *Categorizer {
	return &Categorizer{Logger: logger, cfg: cfg}
}

// Reconfigure swaps the volume thresholds on a hot config change.
func (c *Categorizer) Reconfigure(cfg config.CategoriesConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Categorize sets Category, CategoryScore and Blacklisted on the market.
func (c *Categorizer) Categorize(m *models.Market) {
	if m == nil {
		return
	}
	text := m.SearchText()

	if IsBlacklisted(text) {
		m.Blacklisted = true
		m.Category = ""
		m.CategoryScore = 0
		return
	}

	bestCat := ""
	bestScore := 0
	for cat, keywords := range categoryKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && cat < bestCat) {
			bestCat = cat
			bestScore = score
		}
	}

	c.mu.RLock()
	minScore := c.cfg.MinCategoryScore
	c.mu.RUnlock()
	if minScore <= 0 {
		minScore = 1
	}
	if bestScore >= minScore {
		m.Category = bestCat
		m.CategoryScore = bestScore
	} else {
		// Below the keyword minimum the market stays uncategorized; it falls
		// through to the default volume floor and edge multiplier.
		m.Category = ""
		m.CategoryScore = bestScore
	}
}

// IsBlacklisted reports whether the lower-cased market text trips a blacklist
// phrase or matches the crypto price-prediction pattern without a catalyst.
func IsBlacklisted(text string) bool {
	for _, phrase := range blacklistPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	if !containsAny(text, cryptoTerms) {
		return false
	}
	if !containsAny(text, priceTerms) {
		return false
	}
	return !containsAny(text, catalystTerms)
}

// Threshold returns the volume floor for a category, falling back to the
// default when the category has no entry.
func (c *Categorizer) Threshold(category string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.cfg.VolumeThresholds[category]; ok {
		return t
	}
	if c.cfg.DefaultVolumeThreshold > 0 {
		return c.cfg.DefaultVolumeThreshold
	}
	return 10000
}

// FilterMarketsByVolume passes markets that are not blacklisted and meet
// their category's volume floor. Callers run Categorize first.
func (c *Categorizer) FilterMarketsByVolume(markets []*models.Market) []*models.Market {
	out := make([]*models.Market, 0, len(markets))
	for _, m := range markets {
		if m == nil || m.Blacklisted {
			continue
		}
		if m.Volume < c.Threshold(m.Category) {
			continue
		}
		out = append(out, m)
	}
	if c.Logger != nil && len(out) < len(markets) {
		c.Logger.Debug("volume filter",
			zap.Int("in", len(markets)),
			zap.Int("out", len(out)),
		)
	}
	return out
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
