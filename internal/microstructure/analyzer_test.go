package microstructure

import (
	"testing"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/models"
	"sentinel/internal/stats"
)

func book(marketID string, bid, ask, bidSize, askSize float64, at time.Time) *models.OrderBook {
	ob := &models.OrderBook{
		MarketID: marketID,
		At:       at,
		Bids:     []models.Level{{Price: bid, Size: bidSize}},
		Asks:     []models.Level{{Price: ask, Size: askSize}},
	}
	ob.Normalize()
	return ob
}

func newTestAnalyzer() *Analyzer {
	return NewAnalyzer(stats.NewKernel(), nil, config.Default().Microstructure)
}

func TestDepthAndSpread(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := a.OnOrderBook(book("m1", 0.48, 0.52, 100, 150, at))

	if m.Depth != 250 {
		t.Fatalf("depth=%v want 250", m.Depth)
	}
	if got := m.SpreadBps; got < 399 || got > 401 {
		t.Fatalf("spread bps=%v want ~400", got)
	}
}

func TestSpreadBpsIsAbsoluteNotMidNormalized(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lo := a.OnOrderBook(book("cheap", 0.04, 0.06, 100, 100, at))
	hi := a.OnOrderBook(book("rich", 0.94, 0.96, 100, 100, at))
	if lo.SpreadBps != hi.SpreadBps {
		t.Fatalf("same absolute spread must give same bps: %v vs %v", lo.SpreadBps, hi.SpreadBps)
	}
}

func TestMicroPriceLeansTowardHeavierSide(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := a.OnOrderBook(book("m1", 0.40, 0.60, 1000, 10, at))
	mid := 0.50
	if m.MicroPrice >= mid {
		t.Fatalf("heavy bid should pull micro-price below mid: micro=%v", m.MicroPrice)
	}
}

func TestLiquidityVacuum(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a.OnOrderBook(book("m1", 0.48, 0.52, 500, 500, at))
	// Depth drops by 70% while the spread stays put.
	m := a.OnOrderBook(book("m1", 0.48, 0.52, 150, 150, at.Add(30*time.Second)))
	if !m.LiquidityVacuum {
		t.Fatalf("70%% depth drop with flat spread should be a vacuum: %+v", m)
	}

	// Same drop with a widened spread is just repricing, not a vacuum.
	a.OnOrderBook(book("m2", 0.48, 0.52, 500, 500, at))
	m = a.OnOrderBook(book("m2", 0.40, 0.60, 150, 150, at.Add(30*time.Second)))
	if m.LiquidityVacuum {
		t.Fatalf("spread widened 5x, should not be a vacuum: %+v", m)
	}
}

func TestVacuumNeedsBaseline(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := a.OnOrderBook(book("fresh", 0.48, 0.52, 10, 10, at))
	if m.LiquidityVacuum {
		t.Fatalf("first frame cannot be a vacuum")
	}
}

func TestMaybeSignalDedup(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a.OnOrderBook(book("m1", 0.48, 0.52, 500, 500, at))
	m := a.OnOrderBook(book("m1", 0.48, 0.52, 100, 100, at.Add(30*time.Second)))
	if !m.LiquidityVacuum {
		t.Fatalf("setup: expected a vacuum")
	}

	sig := a.MaybeSignal(m, nil)
	if sig == nil {
		t.Fatalf("vacuum should produce a signal")
	}
	if sig.Type != models.SignalMicrostructure {
		t.Fatalf("type=%v", sig.Type)
	}
	md, ok := sig.Metadata.(models.MicrostructureMetadata)
	if !ok || !md.LiquidityVacuum {
		t.Fatalf("metadata should record the vacuum: %+v", sig.Metadata)
	}
	if md.Severity != models.SeverityHigh {
		t.Fatalf("vacuum severity=%v want high", md.Severity)
	}

	// Second hot event inside the dedup window is suppressed.
	m.At = at.Add(5 * time.Minute)
	if again := a.MaybeSignal(m, nil); again != nil {
		t.Fatalf("dedup window should suppress the repeat")
	}
	// Past the window it fires again.
	m.At = at.Add(20 * time.Minute)
	if later := a.MaybeSignal(m, nil); later == nil {
		t.Fatalf("signal should fire after the dedup window")
	}
}

func TestQuietMetricsNoSignal(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := a.OnOrderBook(book("m1", 0.48, 0.52, 500, 500, at))
	if sig := a.MaybeSignal(m, nil); sig != nil {
		t.Fatalf("nothing hot, no signal expected: %+v", sig)
	}
}

func TestKernelFeedAndHourBaseline(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		a.OnOrderBook(book("m1", 0.48, 0.52, 500, 500, at.Add(time.Duration(i)*time.Minute)))
	}
	mean, _, n := a.HourlyBaseline("m1", stats.MetricDepth, 9)
	if n == 0 {
		t.Fatalf("hour baseline should have samples")
	}
	if mean != 1000 {
		t.Fatalf("hour-9 depth mean=%v want 1000", mean)
	}
}

func TestResetDropsState(t *testing.T) {
	a := newTestAnalyzer()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.OnOrderBook(book("m1", 0.48, 0.52, 500, 500, at))
	a.Reset("m1")
	m := a.OnOrderBook(book("m1", 0.48, 0.52, 100, 100, at.Add(time.Minute)))
	if m.LiquidityVacuum {
		t.Fatalf("reset should clear the depth baseline")
	}
}
