package frontrun

import (
	"math"
	"testing"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/microstructure"
	"sentinel/internal/models"
	"sentinel/internal/stats"
)

func newTestScorer() *Scorer {
	return New(stats.NewKernel(), nil, config.Default().FrontRun)
}

func hotMetrics(marketID string, at time.Time) microstructure.Metrics {
	return microstructure.Metrics{
		MarketID:        marketID,
		At:              at,
		MicroPriceDrift: 0.05,
		DepthChangePct:  -60,
		SpreadBps:       100,
		SpreadChangePct: 3,
		DepthZ:          stats.ZScoreResult{Z: 3.2, IsAnomaly: true},
		ImbalanceZ:      stats.ZScoreResult{Z: 2.5},
		MicroZ:          stats.ZScoreResult{Z: 2.8},
	}
}

func quietMetrics(marketID string, at time.Time) microstructure.Metrics {
	return microstructure.Metrics{
		MarketID:  marketID,
		At:        at,
		SpreadBps: 200,
	}
}

func TestQuietBookScoresNearZero(t *testing.T) {
	s := newTestScorer()
	at := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	res := s.Score(quietMetrics("m1", at), &models.Market{ID: "m1", Volume: 50000}, 0)
	if res.Score != 0 {
		t.Fatalf("no drift means zero score, got %v", res.Score)
	}
	if sig := s.Evaluate(quietMetrics("m1", at), &models.Market{ID: "m1"}, 0); sig != nil {
		t.Fatalf("quiet book should not emit: %+v", sig)
	}
}

func TestScoreBoundedByTanh(t *testing.T) {
	s := newTestScorer()
	at := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	m := hotMetrics("m1", at)
	m.MicroPriceDrift = 10
	m.DepthChangePct = -95
	m.SpreadBps = 1
	res := s.Score(m, &models.Market{ID: "m1", Volume24h: 1e6}, 5)
	if res.Score <= 0.99 || res.Score > 1 {
		t.Fatalf("extreme inputs should saturate near 1: %v", res.Score)
	}
}

func TestOffHoursDoublesRaw(t *testing.T) {
	s := newTestScorer()
	day := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	night := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume24h: 100000}

	dayRes := s.Score(hotMetrics("m1", day), market, 0)
	nightRes := s.Score(hotMetrics("m1", night), market, 0)
	if !nightRes.OffHours || dayRes.OffHours {
		t.Fatalf("off-hours flag wrong: day=%v night=%v", dayRes.OffHours, nightRes.OffHours)
	}
	if nightRes.Raw <= dayRes.Raw*1.9 {
		t.Fatalf("off-hours raw should double: day=%v night=%v", dayRes.Raw, nightRes.Raw)
	}
}

func TestSpreadEpsilonGuard(t *testing.T) {
	s := newTestScorer()
	at := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	m := hotMetrics("m1", at)
	m.SpreadBps = 0
	res := s.Score(m, &models.Market{ID: "m1", Volume24h: 100000}, 0)
	if math.IsInf(res.Raw, 0) || math.IsNaN(res.Raw) {
		t.Fatalf("zero spread must not blow up: %v", res.Raw)
	}
}

func TestTimeToNewsClamped(t *testing.T) {
	s := newTestScorer()
	at := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume24h: 1e6}

	hot := hotMetrics("m1", at)
	hot.MicroPriceDrift = 10
	hot.DepthChangePct = -95
	hot.SpreadBps = 1
	res := s.Score(hot, market, 8)
	if res.TimeToNewsMin < 1 || res.TimeToNewsMin > 30 {
		t.Fatalf("timeToNews=%v outside [1,30]", res.TimeToNewsMin)
	}

	res = s.Score(quietMetrics("m1", at), market, 0)
	if res.TimeToNewsMin < 1 || res.TimeToNewsMin > 30 {
		t.Fatalf("timeToNews=%v outside [1,30]", res.TimeToNewsMin)
	}
}

func TestEvaluateEmitsAndLaddersSeverity(t *testing.T) {
	s := newTestScorer()
	at := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume24h: 1e6}

	hot := hotMetrics("m1", at)
	hot.MicroPriceDrift = 10
	hot.DepthChangePct = -95
	hot.SpreadBps = 1
	sig := s.Evaluate(hot, market, 8)
	if sig == nil {
		t.Fatalf("saturated score should emit")
	}
	if sig.Type != models.SignalFrontRunning {
		t.Fatalf("type=%v", sig.Type)
	}
	md := sig.Metadata.(models.FrontRunningMetadata)
	if md.Severity != models.SeverityCritical {
		t.Fatalf("score %.3f should be critical, got %v", md.Score, md.Severity)
	}
	if md.CorrelatedMarkets != 8 || !md.OffHours {
		t.Fatalf("metadata=%+v", md)
	}
	if len(s.Events()) != 1 {
		t.Fatalf("event ledger should record the emit")
	}
}

func TestValidateLeakEvent(t *testing.T) {
	s := newTestScorer()
	at := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume24h: 1e6}

	hot := hotMetrics("m1", at)
	hot.MicroPriceDrift = 10
	hot.DepthChangePct = -95
	hot.SpreadBps = 1
	if sig := s.Evaluate(hot, market, 8); sig == nil {
		t.Fatalf("setup: expected an emit")
	}

	// News lands 40 minutes later, inside the 2h validation window.
	if n := s.ValidateLeakEvent("m1", at.Add(40*time.Minute)); n != 1 {
		t.Fatalf("validated=%d want 1", n)
	}
	ev := s.Events()[0]
	if !ev.Validated || ev.LeadTime != 40*time.Minute {
		t.Fatalf("event=%+v", ev)
	}
	// Re-validating finds nothing unvalidated.
	if n := s.ValidateLeakEvent("m1", at.Add(50*time.Minute)); n != 0 {
		t.Fatalf("double validation should be a no-op")
	}
	// News outside the window does not validate.
	hot.At = at.Add(time.Minute)
	if sig := s.Evaluate(hot, market, 8); sig == nil {
		t.Fatalf("setup: expected a second emit")
	}
	if n := s.ValidateLeakEvent("m1", at.Add(5*time.Hour)); n != 0 {
		t.Fatalf("stale news should not validate")
	}
}

func TestSweepDropsOldEvents(t *testing.T) {
	s := newTestScorer()
	at := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume24h: 1e6}
	hot := hotMetrics("m1", at)
	hot.MicroPriceDrift = 10
	hot.DepthChangePct = -95
	hot.SpreadBps = 1
	s.Evaluate(hot, market, 8)

	s.Sweep(at.Add(25 * time.Hour))
	if len(s.Events()) != 0 {
		t.Fatalf("day-old events should be swept")
	}
}
