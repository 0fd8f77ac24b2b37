// Package notify renders signals into webhook embed payloads and dispatches
// them with retries behind a circuit breaker.
package notify

import (
	"fmt"
	"strings"
	"time"

	"sentinel/internal/alert"
	"sentinel/internal/models"
)

// SignalTypeStats is the historical performance record for one signal type,
// fetched from the optional performance-tracking port.
type SignalTypeStats struct {
	N                   int
	Accuracy            float64
	WinRate             float64
	AvgPnL1h            float64
	AvgPnL24h           float64
	Sharpe              float64
	KellyFraction       float64
	PosteriorConfidence float64
}

// PerformanceTracker enriches CRITICAL/HIGH embeds with track-record fields.
type PerformanceTracker interface {
	GetSignalTypeStats(st models.SignalType) (*SignalTypeStats, error)
}

// HealthProvider supplies the per-market statistical health score for the
// dashboard field.
type HealthProvider interface {
	MarketHealthScore(marketID string) float64
}

// Embed mirrors the discord-compatible webhook embed shape.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// Message is the webhook payload.
type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds"`
}

const maxTitleLen = 200

var priorityColors = map[alert.Priority]int{
	alert.PriorityCritical: 0xE74C3C,
	alert.PriorityHigh:     0xE67E22,
	alert.PriorityMedium:   0xF1C40F,
	alert.PriorityLow:      0x95A5A6,
}

var priorityMarkers = map[alert.Priority]string{
	alert.PriorityCritical: "🚨",
	alert.PriorityHigh:     "⚠️",
	alert.PriorityMedium:   "📊",
	alert.PriorityLow:      "ℹ️",
}

// Builder renders signals into Messages. Tracker and Health are optional.
type Builder struct {
	Tracker PerformanceTracker
	Health  HealthProvider
}

// Build renders one approved signal.
func (b *Builder) Build(sig models.Signal, market *models.Market, d alert.Decision) Message {
	title := sig.MarketID
	url := ""
	if market != nil {
		title = market.Question
		url = market.URL()
	}
	title = fmt.Sprintf("%s %s", priorityMarkers[d.Priority], truncate(title, maxTitleLen))

	embed := Embed{
		Title:       title,
		Description: interpret(sig),
		URL:         url,
		Color:       priorityColors[d.Priority],
		Timestamp:   sig.At.UTC().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: fmt.Sprintf("%s · %s · confidence %.0f%%", d.Priority, sig.Type, sig.Confidence*100)},
	}

	if market != nil {
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Score", Value: scoreBlock(market, d), Inline: true},
			EmbedField{Name: "Market", Value: marketBlock(market), Inline: true},
			EmbedField{Name: "Classification", Value: classificationBlock(market), Inline: true},
		)
		if prices := priceBlock(market); prices != "" {
			embed.Fields = append(embed.Fields, EmbedField{Name: "Current Prices", Value: prices})
		}
	}

	embed.Fields = append(embed.Fields, EmbedField{
		Name:  "Severity",
		Value: severityLine(sig),
	})
	if b.Health != nil {
		score := b.Health.MarketHealthScore(sig.MarketID)
		embed.Fields = append(embed.Fields, EmbedField{
			Name:   "Data Health",
			Value:  fmt.Sprintf("%s %.0f/100", healthDots(score), score),
			Inline: true,
		})
	}
	embed.Fields = append(embed.Fields,
		EmbedField{Name: "Reasoning", Value: reasoning(sig, d)},
		EmbedField{Name: "What to Watch", Value: watchList(sig)},
	)

	if d.Priority == alert.PriorityCritical || d.Priority == alert.PriorityHigh {
		if field := b.performanceField(sig.Type); field != nil {
			embed.Fields = append(embed.Fields, *field)
		}
	}
	return Message{Embeds: []Embed{embed}}
}

func (b *Builder) performanceField(st models.SignalType) *EmbedField {
	if b.Tracker == nil {
		return nil
	}
	stats, err := b.Tracker.GetSignalTypeStats(st)
	if err != nil || stats == nil || stats.N == 0 {
		return nil
	}
	return &EmbedField{
		Name: "Track Record",
		Value: fmt.Sprintf("n=%d · accuracy %.0f%% · PnL 1h %+.2f%% / 24h %+.2f%% · Sharpe %.2f · Kelly %.2f · posterior %.0f%%",
			stats.N, stats.Accuracy*100, stats.AvgPnL1h, stats.AvgPnL24h, stats.Sharpe, stats.KellyFraction, stats.PosteriorConfidence*100),
	}
}

// interpret turns signal metadata into a plain-English headline.
func interpret(sig models.Signal) string {
	switch md := sig.Metadata.(type) {
	case models.VolumeSpikeMetadata:
		return fmt.Sprintf("Volume spiked to $%.0f, %.1fx the recent baseline of $%.0f.",
			md.CurrentVolume, md.SpikeMultiplier, md.BaselineVolume)
	case models.PriceMovementMetadata:
		dir := "up"
		if md.ChangePct < 0 {
			dir = "down"
		}
		return fmt.Sprintf("%q moved %s %.1f%% (%.2f → %.2f) within %d minutes.",
			md.Outcome, dir, abs(md.ChangePct), md.FromPrice, md.ToPrice, md.WindowMin)
	case models.NewMarketMetadata:
		return fmt.Sprintf("New market opened with $%.0f volume and activity score %.0f.",
			md.Volume, md.ActivityScore)
	case models.ActivitySurgeMetadata:
		return fmt.Sprintf("Activity score %.0f crossed the %.0f threshold.", md.ActivityScore, md.Threshold)
	case models.MicrostructureMetadata:
		if md.LiquidityVacuum {
			return fmt.Sprintf("Liquidity vacuum: depth collapsed while the spread held at %.0f bps.", md.SpreadBps)
		}
		return fmt.Sprintf("Order-book anomaly: depth z=%.1f, spread z=%.1f, imbalance z=%.1f.",
			md.DepthZ, md.SpreadZ, md.ImbalanceZ)
	case models.CoordinatedMetadata:
		return fmt.Sprintf("%d markets in the %q cluster moved together, averaging %+.1f%% (correlation %.2f).",
			len(md.Members), md.ClusterID, md.AvgChangePct, md.CorrelationScore)
	case models.FrontRunningMetadata:
		when := ""
		if md.OffHours {
			when = " during off-hours"
		}
		return fmt.Sprintf("Possible informed trading%s: score %.2f, leak probability %.0f%%, news expected in ~%.0f min.",
			when, md.Score, md.LeakProbability*100, md.TimeToNewsMin)
	case models.AnomalyMetadata:
		return fmt.Sprintf("Multi-detector anomaly (consensus %.2f) across %s. %s",
			md.Consensus, strings.Join(md.Features, ", "), md.Explanation)
	default:
		return fmt.Sprintf("Signal %s detected.", sig.Type)
	}
}

func severityLine(sig models.Signal) string {
	sev := sig.Severity()
	conf := "low confidence"
	switch {
	case sig.Confidence >= 0.8:
		conf = "high confidence"
	case sig.Confidence >= 0.5:
		conf = "moderate confidence"
	}
	return fmt.Sprintf("%s (%s)", strings.ToUpper(string(sev)), conf)
}

func scoreBlock(m *models.Market, d alert.Decision) string {
	return fmt.Sprintf("total **%.0f** (adj %.0f)\nvol %.0f · edge %.0f\ncat %.0f · qual %.0f",
		m.Scores.Total, d.AdjustedScore, m.Scores.Volume, m.Scores.Edge, m.Scores.Catalyst, m.Scores.Quality)
}

func marketBlock(m *models.Market) string {
	lines := []string{fmt.Sprintf("volume $%.0f", m.Volume)}
	if m.Liquidity > 0 {
		lines = append(lines, fmt.Sprintf("liquidity $%.0f", m.Liquidity))
	}
	if !m.EndDate.IsZero() {
		lines = append(lines, "closes "+m.EndDate.UTC().Format("2006-01-02"))
	}
	return strings.Join(lines, "\n")
}

func classificationBlock(m *models.Market) string {
	cat := m.Category
	if cat == "" {
		cat = "uncategorized"
	}
	return fmt.Sprintf("%s (score %d)\ntier %s", cat, m.CategoryScore, m.Tier)
}

// priceBlock lists up to 5 outcomes with prices.
func priceBlock(m *models.Market) string {
	n := len(m.Outcomes)
	if n > len(m.OutcomePrices) {
		n = len(m.OutcomePrices)
	}
	if n == 0 {
		return ""
	}
	if n > 5 {
		n = 5
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, fmt.Sprintf("%s: %.0f%%", m.Outcomes[i], m.OutcomePrices[i]*100))
	}
	return strings.Join(lines, "\n")
}

func reasoning(sig models.Signal, d alert.Decision) string {
	return fmt.Sprintf("Signal %s at %.0f%% confidence on a %s-priority market (%s).",
		sig.Type, sig.Confidence*100, d.Priority, d.Reason)
}

// watchList gives per-type guidance on confirming or fading the signal.
func watchList(sig models.Signal) string {
	switch sig.Metadata.(type) {
	case models.VolumeSpikeMetadata:
		return "Confirm: sustained volume next scan. Red flag: single-wallet wash trading."
	case models.PriceMovementMetadata:
		return "Confirm: move holds with depth behind it. Red flag: thin book snapback."
	case models.NewMarketMetadata:
		return "Confirm: early volume persists past listing hype. Red flag: creator self-trading."
	case models.ActivitySurgeMetadata:
		return "Confirm: surge aligns with a real catalyst. Red flag: bot churn."
	case models.MicrostructureMetadata:
		return "Confirm: spread widens or price follows the book. Red flag: maker rotation."
	case models.CoordinatedMetadata:
		return "Confirm: shared catalyst in the news. Red flag: one actor moving all legs."
	case models.FrontRunningMetadata:
		return "Confirm: news lands within the predicted window. Red flag: drift reverts quietly."
	case models.AnomalyMetadata:
		return "Confirm: multiple detectors stay in agreement. Red flag: data-feed glitch."
	default:
		return "Watch follow-through on the next scan."
	}
}

func healthDots(score float64) string {
	switch {
	case score >= 80:
		return "🟢"
	case score >= 50:
		return "🟡"
	default:
		return "🔴"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
