package metrics

import (
	"testing"

	"sentinel/internal/config"
)

func TestCounterAndShadowValue(t *testing.T) {
	c := NewCollector(nil, nil)
	c.Inc(CounterAlertsRateLimited, nil)
	c.Inc(CounterAlertsRateLimited, nil)
	c.Add(CounterAlertsRateLimited, 3, map[string]string{"priority": "high"})
	if got := c.Value(CounterAlertsRateLimited); got != 5 {
		t.Fatalf("shadow counter=%v want 5", got)
	}
}

func TestGaugeThresholds(t *testing.T) {
	c := NewCollector(nil, map[string]config.MetricThreshold{
		GaugeErrorRate:   {Warn: 10, Critical: 30},
		GaugeHealthScore: {Warn: 60, Critical: 30, Inverted: true},
	})
	var events []ThresholdEvent
	c.OnThresholdEvent(func(ev ThresholdEvent) { events = append(events, ev) })

	c.SetGauge(GaugeErrorRate, 5, nil)
	c.SetGauge(GaugeHealthScore, 95, nil)
	if evs := c.CheckThresholds(); len(evs) != 0 {
		t.Fatalf("healthy values should not breach: %+v", evs)
	}

	c.SetGauge(GaugeErrorRate, 15, nil)
	evs := c.CheckThresholds()
	if len(evs) != 1 || evs[0].Level != "warn" || evs[0].Metric != GaugeErrorRate {
		t.Fatalf("expected one warn event: %+v", evs)
	}

	c.SetGauge(GaugeErrorRate, 50, nil)
	c.SetGauge(GaugeHealthScore, 20, nil)
	evs = c.CheckThresholds()
	if len(evs) != 2 {
		t.Fatalf("expected two critical events: %+v", evs)
	}
	for _, ev := range evs {
		if ev.Level != "critical" {
			t.Fatalf("expected critical, got %+v", ev)
		}
	}
	if len(events) != 3 {
		t.Fatalf("sink should have seen 3 events, got %d", len(events))
	}
}

func TestInvertedThresholdDirection(t *testing.T) {
	c := NewCollector(nil, map[string]config.MetricThreshold{
		GaugeHealthScore: {Warn: 60, Critical: 30, Inverted: true},
	})
	c.SetGauge(GaugeHealthScore, 45, nil)
	evs := c.CheckThresholds()
	if len(evs) != 1 || evs[0].Level != "warn" {
		t.Fatalf("health 45 should warn, got %+v", evs)
	}
}

func TestSnapshotHealthRange(t *testing.T) {
	c := NewCollector(nil, nil)
	s := c.Snapshot()
	if s.HealthScore < 0 || s.HealthScore > 100 {
		t.Fatalf("health score %v out of range", s.HealthScore)
	}
	if s.Goroutines <= 0 {
		t.Fatalf("goroutines should be positive")
	}
	if c.Value(GaugeHealthScore) != s.HealthScore {
		t.Fatalf("snapshot should publish the health gauge")
	}
}

func TestErrorRateWindow(t *testing.T) {
	c := NewCollector(nil, nil)
	for i := 0; i < 4; i++ {
		c.RecordError()
	}
	if r := c.ErrorRate(); r != 4 {
		t.Fatalf("error rate=%v want 4", r)
	}
}
