package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/internal/alert"
	"sentinel/internal/config"
	"sentinel/internal/metrics"
	"sentinel/internal/models"
)

type stubTracker struct{ stats *SignalTypeStats }

func (s *stubTracker) GetSignalTypeStats(models.SignalType) (*SignalTypeStats, error) {
	return s.stats, nil
}

type stubHealth struct{ score float64 }

func (s *stubHealth) MarketHealthScore(string) float64 { return s.score }

func sampleSignal(t *testing.T) (models.Signal, *models.Market) {
	t.Helper()
	market := &models.Market{
		ID:            "m1",
		Slug:          "test-market",
		Question:      "Who will win the presidential election?",
		Outcomes:      []string{"A", "B", "C", "D", "E", "F", "G"},
		OutcomePrices: []float64{0.4, 0.3, 0.1, 0.1, 0.05, 0.03, 0.02},
		Volume:        125000,
		Category:      "politics",
		CategoryScore: 3,
		Tier:          models.TierActive,
		Scores:        models.ScoreBreakdown{Volume: 28, Edge: 20, Catalyst: 22, Quality: 16, Total: 86},
	}
	sig, err := models.NewSignal("m1", market, models.VolumeSpikeMetadata{
		CurrentVolume:   50000,
		BaselineVolume:  10000,
		SpikeMultiplier: 5,
		Severity:        models.SeverityHigh,
	}, 0.85, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	return sig, market
}

func TestBuildEmbed(t *testing.T) {
	b := &Builder{Health: &stubHealth{score: 92}}
	sig, market := sampleSignal(t)
	d := alert.Decision{ShouldAlert: true, Priority: alert.PriorityCritical, AdjustedScore: 86, Reason: "approved"}

	msg := b.Build(sig, market, d)
	if len(msg.Embeds) != 1 {
		t.Fatalf("embeds=%d", len(msg.Embeds))
	}
	e := msg.Embeds[0]
	if e.Color != priorityColors[alert.PriorityCritical] {
		t.Fatalf("color=%x", e.Color)
	}
	if !strings.Contains(e.Title, market.Question) {
		t.Fatalf("title=%q", e.Title)
	}
	if !strings.Contains(e.Description, "5.0x") {
		t.Fatalf("description should interpret the spike: %q", e.Description)
	}
	if e.URL == "" {
		t.Fatalf("embed should carry the market URL")
	}

	var prices string
	for _, f := range e.Fields {
		if f.Name == "Current Prices" {
			prices = f.Value
		}
	}
	if n := strings.Count(prices, "\n") + 1; n != 5 {
		t.Fatalf("price block should cap at 5 outcomes, got %d lines", n)
	}
}

func TestTitleTruncated(t *testing.T) {
	b := &Builder{}
	sig, market := sampleSignal(t)
	market.Question = strings.Repeat("x", 400)
	msg := b.Build(sig, market, alert.Decision{Priority: alert.PriorityLow})
	if n := len([]rune(msg.Embeds[0].Title)); n > maxTitleLen+5 {
		t.Fatalf("title length %d should be truncated near %d", n, maxTitleLen)
	}
}

func TestPerformanceFieldOnlyForHot(t *testing.T) {
	tracker := &stubTracker{stats: &SignalTypeStats{N: 40, Accuracy: 0.62, AvgPnL1h: 1.2, AvgPnL24h: 3.4, Sharpe: 1.1, KellyFraction: 0.12, PosteriorConfidence: 0.7}}
	b := &Builder{Tracker: tracker}
	sig, market := sampleSignal(t)

	has := func(d alert.Decision) bool {
		for _, f := range b.Build(sig, market, d).Embeds[0].Fields {
			if f.Name == "Track Record" {
				return true
			}
		}
		return false
	}
	if !has(alert.Decision{Priority: alert.PriorityCritical}) || !has(alert.Decision{Priority: alert.PriorityHigh}) {
		t.Fatalf("CRITICAL/HIGH should carry the track record")
	}
	if has(alert.Decision{Priority: alert.PriorityMedium}) {
		t.Fatalf("MEDIUM should not fetch performance stats")
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{URL: srv.URL, MaxRetries: 3, BaseDelay: time.Millisecond, AttemptTimeout: time.Second}
	d := NewDispatcher(nil, metrics.NewCollector(nil, nil), cfg)
	if err := d.Send(context.Background(), Message{}); err != nil {
		t.Fatalf("send should succeed on third attempt: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestDispatcherStopsOnRejection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{URL: srv.URL, MaxRetries: 3, BaseDelay: time.Millisecond, AttemptTimeout: time.Second}
	d := NewDispatcher(nil, metrics.NewCollector(nil, nil), cfg)
	err := d.Send(context.Background(), Message{})
	if err == nil {
		t.Fatalf("4xx should surface an error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, calls=%d", calls)
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("err=%v", err)
	}
}

func TestDispatcherGivesUpAfterBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := metrics.NewCollector(nil, nil)
	cfg := config.WebhookConfig{URL: srv.URL, MaxRetries: 2, BaseDelay: time.Millisecond, AttemptTimeout: time.Second}
	d := NewDispatcher(nil, c, cfg)
	if err := d.Send(context.Background(), Message{}); err == nil {
		t.Fatalf("exhausted retries should fail")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls=%d want 3 (1 + 2 retries)", calls)
	}
	if c.Value(metrics.CounterWebhookFailures) != 1 {
		t.Fatalf("failure counter should increment once per message")
	}
}

func TestDispatcherRespectsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{URL: srv.URL, MaxRetries: 3, BaseDelay: 5 * time.Second, AttemptTimeout: time.Second}
	d := NewDispatcher(nil, nil, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := d.Send(ctx, Message{})
	if err == nil {
		t.Fatalf("cancelled send should fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation should cut the backoff short")
	}
}
