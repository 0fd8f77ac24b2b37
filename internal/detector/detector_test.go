package detector

import (
	"testing"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/models"
	"sentinel/internal/stats"
)

func newTestDetector() *Detector {
	return New(stats.NewKernel(), nil, config.Default().Detection)
}

func snapshotHistory(marketID string, volumes []float64, at time.Time) []models.Snapshot {
	out := make([]models.Snapshot, 0, len(volumes))
	for i, v := range volumes {
		out = append(out, models.Snapshot{
			MarketID:  marketID,
			At:        at.Add(time.Duration(i) * 30 * time.Second),
			Volume24h: v,
		})
	}
	return out
}

func TestVolumeSpikePath(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Question: "Will X happen?", Volume: 50000}

	volumes := make([]float64, 0, 11)
	for i := 0; i < 10; i++ {
		volumes = append(volumes, 10000)
	}
	volumes = append(volumes, 50000)
	history := snapshotHistory("m1", volumes, now.Add(-5*time.Minute))

	signals := d.Detect(market, history, now)
	if len(signals) != 1 {
		t.Fatalf("expected exactly one signal, got %d: %+v", len(signals), signals)
	}
	sig := signals[0]
	if sig.Type != models.SignalVolumeSpike {
		t.Fatalf("type=%v want volume_spike", sig.Type)
	}
	md := sig.Metadata.(models.VolumeSpikeMetadata)
	if md.CurrentVolume != 50000 {
		t.Fatalf("current volume=%v want 50000", md.CurrentVolume)
	}
	if md.SpikeMultiplier < 4.9 || md.SpikeMultiplier > 5.1 {
		t.Fatalf("multiplier=%v want ~5.0", md.SpikeMultiplier)
	}
	if sig.Confidence <= 0.5 {
		t.Fatalf("confidence=%v want > 0.5", sig.Confidence)
	}
}

func TestVolumeSpikeRequiresAbsoluteFloor(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume: 500}

	// 5x relative spike, but absolute volume stays under minVolume*multiplier.
	history := snapshotHistory("m1", []float64{100, 100, 100, 500}, now.Add(-2*time.Minute))
	if signals := d.Detect(market, history, now); len(signals) != 0 {
		t.Fatalf("tiny market should not spike: %+v", signals)
	}
}

func TestPriceMovement(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Outcomes: []string{"Yes", "No"}, Volume: 100000}

	history := []models.Snapshot{
		{MarketID: "m1", At: now.Add(-time.Minute), Volume24h: 100000},
		{
			MarketID:    "m1",
			At:          now,
			Volume24h:   100000,
			Prices:      []float64{0.66, 0.34},
			PriceChange: map[int]float64{0: 12.0, 1: -12.0},
		},
	}
	signals := d.Detect(market, history, now)
	if len(signals) != 1 {
		t.Fatalf("expected one price movement, got %+v", signals)
	}
	md := signals[0].Metadata.(models.PriceMovementMetadata)
	if md.ChangePct != 12.0 && md.ChangePct != -12.0 {
		t.Fatalf("change=%v", md.ChangePct)
	}

	// Below the 10% threshold nothing fires.
	history[1].PriceChange = map[int]float64{0: 6.0}
	d2 := newTestDetector()
	if signals := d2.Detect(market, history, now); len(signals) != 0 {
		t.Fatalf("6%% move should not fire: %+v", signals)
	}
}

func TestNewMarket(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume: 25000, ActivityScore: 80}

	history := []models.Snapshot{{MarketID: "m1", At: now, Volume24h: 25000}}
	signals := d.Detect(market, history, now)
	found := false
	for _, s := range signals {
		if s.Type == models.SignalNewMarket {
			found = true
			if s.Confidence != 0.8 {
				t.Fatalf("confidence=%v want 0.8 from activity score", s.Confidence)
			}
		}
	}
	if !found {
		t.Fatalf("expected a new_market signal: %+v", signals)
	}

	// With established history it is no longer new.
	d2 := newTestDetector()
	long := snapshotHistory("m1", []float64{25000, 25000, 25000}, now.Add(-time.Minute))
	for _, s := range d2.Detect(market, long, now) {
		if s.Type == models.SignalNewMarket {
			t.Fatalf("market with history should not be new")
		}
	}
}

func TestActivitySurge(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume: 100000, ActivityScore: 90}
	long := snapshotHistory("m1", []float64{100000, 100000, 100000}, now.Add(-time.Minute))

	signals := d.Detect(market, long, now)
	found := false
	for _, s := range signals {
		if s.Type == models.SignalActivitySurge {
			found = true
			md := s.Metadata.(models.ActivitySurgeMetadata)
			if md.Severity != models.SeverityHigh {
				t.Fatalf("activity 90 should be high severity: %+v", md)
			}
		}
	}
	if !found {
		t.Fatalf("expected an activity signal: %+v", signals)
	}
}

func TestOncePerWindow(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume: 50000}

	volumes := []float64{10000, 10000, 10000, 50000}
	history := snapshotHistory("m1", volumes, now.Add(-2*time.Minute))

	if signals := d.Detect(market, history, now); len(signals) != 1 {
		t.Fatalf("first pass should emit")
	}
	// Same input 30s later stays quiet inside the window.
	if signals := d.Detect(market, history, now.Add(30*time.Second)); len(signals) != 0 {
		t.Fatalf("second pass inside window should be deduped")
	}
	// Past the window it can fire again.
	if signals := d.Detect(market, history, now.Add(31*time.Minute)); len(signals) != 1 {
		t.Fatalf("pass after window should emit again")
	}
}

func TestCorruptedSnapshotsSkipped(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	market := &models.Market{ID: "m1", Volume: 50000}

	history := []models.Snapshot{
		{MarketID: "m1", At: now.Add(-4 * time.Minute), Volume24h: 10000},
		{MarketID: "", At: now.Add(-3 * time.Minute), Volume24h: 10000},                       // missing id
		{MarketID: "m1", At: now.Add(-2 * time.Minute), Volume24h: -5},                        // negative volume
		{MarketID: "m1", At: now.Add(-time.Minute), Volume24h: 10000, Prices: []float64{1.4}}, // price out of range
		{MarketID: "m1", At: now, Volume24h: 50000},
	}
	signals := d.Detect(market, history, now)
	if len(signals) != 1 || signals[0].Type != models.SignalVolumeSpike {
		t.Fatalf("corrupted entries should be skipped, clean ones used: %+v", signals)
	}
	md := signals[0].Metadata.(models.VolumeSpikeMetadata)
	if md.BaselineVolume != 10000 {
		t.Fatalf("baseline=%v want 10000 from the two clean entries", md.BaselineVolume)
	}
}

func TestEmptyInputIdempotent(t *testing.T) {
	d := newTestDetector()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if signals := d.Detect(&models.Market{ID: "m1"}, nil, now); len(signals) != 0 {
		t.Fatalf("empty history on a quiet market should emit nothing: %+v", signals)
	}
	if signals := d.Detect(nil, nil, now); signals != nil {
		t.Fatalf("nil market should be a no-op")
	}
}
