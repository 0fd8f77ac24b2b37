// Package cluster groups markets into keyword topic clusters and detects
// coordinated cross-market price movement inside a cluster.
package cluster

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/models"
)

// Cluster is a named keyword topic. Keywords are matched lower-cased.
type Cluster struct {
	ID       string
	Keywords []string
}

// DefaultClusters is the built-in topic table. Operators extend it via config.
func DefaultClusters() []Cluster {
	return []Cluster{
		{ID: "trump", Keywords: []string{"trump", "donald trump", "maga"}},
		{ID: "us-election", Keywords: []string{"election", "president", "electoral", "senate", "congress"}},
		{ID: "fed", Keywords: []string{"fed", "fomc", "interest rate", "rate cut", "rate hike", "powell"}},
		{ID: "crypto-regulation", Keywords: []string{"sec", "etf", "regulation", "approval"}},
		{ID: "geopolitics", Keywords: []string{"ukraine", "russia", "china", "taiwan", "israel", "iran", "ceasefire"}},
		{ID: "ai", Keywords: []string{"openai", "artificial intelligence", "gpt", "agi"}},
	}
}

// Movement is the coordinated-movement report for one cluster.
type Movement struct {
	ClusterID        string
	Members          []string
	AvgChangePct     float64
	CorrelationScore float64
}

// Clusterer assigns markets to topic clusters and runs the coordinated
// movement detector. Membership is rebuilt each scan tick from the current
// market list.
type Clusterer struct {
	Logger *zap.Logger
	Config config.ClusterConfig

	mu       sync.RWMutex
	clusters []Cluster
	members  map[string][]string // clusterID -> market ids, sorted
	byMarket map[string][]string // marketID -> cluster ids
	wordRe   map[string]*regexp.Regexp
}

func New(logger *zap.Logger, cfg config.ClusterConfig, clusters []Cluster) *Clusterer {
	if len(clusters) == 0 {
		clusters = DefaultClusters()
	}
	c := &Clusterer{
		Logger:   logger,
		Config:   cfg,
		clusters: clusters,
		members:  map[string][]string{},
		byMarket: map[string][]string{},
		wordRe:   map[string]*regexp.Regexp{},
	}
	for _, cl := range clusters {
		for _, kw := range cl.Keywords {
			if _, ok := c.wordRe[kw]; !ok {
				c.wordRe[kw] = regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(kw)) + `\b`)
			}
		}
	}
	return c
}

func (c *Clusterer) threshold() float64 {
	if c.Config.PriceMoveThresholdPct <= 0 {
		return 2.0
	}
	return c.Config.PriceMoveThresholdPct
}

// Score computes a market's affinity to one cluster: substring hits across
// question+description plus twice the exact word-boundary hits in the
// question alone.
func (c *Clusterer) Score(market *models.Market, cl Cluster) (hits int, score int) {
	text := market.SearchText()
	question := strings.ToLower(market.Question)
	for _, kw := range cl.Keywords {
		k := strings.ToLower(kw)
		if strings.Contains(text, k) {
			hits++
			score++
		}
		if re, ok := c.wordRe[kw]; ok && re.MatchString(question) {
			score += 2
		}
	}
	return hits, score
}

// Assign rebuilds cluster membership from the current market list. A market
// joins a cluster iff it has at least one keyword hit and a score above 1; a
// market may belong to several clusters.
func (c *Clusterer) Assign(markets []*models.Market) {
	members := map[string][]string{}
	byMarket := map[string][]string{}
	for _, m := range markets {
		if m == nil {
			continue
		}
		for _, cl := range c.clusters {
			hits, score := c.Score(m, cl)
			if hits >= 1 && score > 1 {
				members[cl.ID] = append(members[cl.ID], m.ID)
				byMarket[m.ID] = append(byMarket[m.ID], cl.ID)
			}
		}
	}
	for id := range members {
		sort.Strings(members[id])
	}
	c.mu.Lock()
	c.members = members
	c.byMarket = byMarket
	c.mu.Unlock()
}

// Members returns the market ids assigned to a cluster, sorted.
func (c *Clusterer) Members(clusterID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.members[clusterID]...)
}

// ClustersOf returns the cluster ids a market belongs to.
func (c *Clusterer) ClustersOf(marketID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.byMarket[marketID]...)
}

// CorrelatedMarkets returns the union of co-cluster members minus the market
// itself.
func (c *Clusterer) CorrelatedMarkets(marketID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, clID := range c.byMarket[marketID] {
		for _, id := range c.members[clID] {
			if id != marketID {
				seen[id] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DetectMovement runs the coordinated-movement detector for one cluster
// against a marketID -> priceΔ% map. Members below the movement threshold
// are dropped; a report needs at least two surviving members sharing sign.
func (c *Clusterer) DetectMovement(clusterID string, changes map[string]float64) *Movement {
	c.mu.RLock()
	all := c.members[clusterID]
	c.mu.RUnlock()
	if len(all) < 2 {
		return nil
	}

	threshold := c.threshold()
	var qualifying []string
	var pos, neg int
	var sum float64
	for _, id := range all {
		d, ok := changes[id]
		if !ok || math.Abs(d) <= threshold {
			continue
		}
		qualifying = append(qualifying, id)
		sum += d
		if d > 0 {
			pos++
		} else {
			neg++
		}
	}
	if pos < 2 && neg < 2 {
		return nil
	}
	sort.Strings(qualifying)
	return &Movement{
		ClusterID:        clusterID,
		Members:          qualifying,
		AvgChangePct:     sum / float64(len(qualifying)),
		CorrelationScore: float64(len(qualifying)) / float64(len(all)),
	}
}

// DetectAll runs the movement detector over every cluster and converts the
// reports into coordinated signals. markets resolves member ids for signal
// attribution; the signal attaches to the strongest mover.
func (c *Clusterer) DetectAll(changes map[string]float64, markets map[string]*models.Market, now time.Time) []models.Signal {
	c.mu.RLock()
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	var out []models.Signal
	for _, clusterID := range ids {
		mv := c.DetectMovement(clusterID, changes)
		if mv == nil {
			continue
		}
		leadID := mv.Members[0]
		lead := math.Abs(changes[leadID])
		for _, id := range mv.Members[1:] {
			if a := math.Abs(changes[id]); a > lead {
				leadID, lead = id, a
			}
		}
		severity := models.SeverityMedium
		if mv.CorrelationScore >= 0.75 && math.Abs(mv.AvgChangePct) >= 2*c.threshold() {
			severity = models.SeverityHigh
		}
		sig, err := models.NewSignal(leadID, markets[leadID], models.CoordinatedMetadata{
			ClusterID:        mv.ClusterID,
			Members:          mv.Members,
			AvgChangePct:     mv.AvgChangePct,
			CorrelationScore: mv.CorrelationScore,
			Severity:         severity,
		}, clamp01(mv.CorrelationScore), now)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("coordinated signal rejected", zap.Error(err))
			}
			continue
		}
		out = append(out, sig)
		if c.Logger != nil {
			c.Logger.Info("coordinated movement",
				zap.String("cluster", mv.ClusterID),
				zap.Strings("members", mv.Members),
				zap.Float64("avg_change_pct", mv.AvgChangePct),
				zap.Float64("correlation", mv.CorrelationScore),
			)
		}
	}
	return out
}

// Describe renders the current membership for the status endpoint.
func (c *Clusterer) Describe() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.members))
	for id, m := range c.members {
		out[id] = len(m)
	}
	return out
}

func (m Movement) String() string {
	return fmt.Sprintf("%s: %d members avg %.2f%% corr %.2f", m.ClusterID, len(m.Members), m.AvgChangePct, m.CorrelationScore)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
