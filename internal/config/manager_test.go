package config

import (
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"correlation above 1", func(c *Config) { c.Cluster.CorrelationThreshold = 1.5 }},
		{"correlation negative", func(c *Config) { c.Cluster.CorrelationThreshold = -0.1 }},
		{"medium >= high", func(c *Config) { c.Alerts.MediumThreshold = 70 }},
		{"high >= critical", func(c *Config) { c.Alerts.HighThreshold = 90 }},
		{"weights sum low", func(c *Config) { c.Opportunity.Weights.Volume = 0.05 }},
		{"weights sum high", func(c *Config) { c.Opportunity.Weights.Quality = 0.60 }},
		{"volume multiplier at 1", func(c *Config) { c.Detection.VolumeSpikeMultiplier = 1.0 }},
		{"signal window below 60s", func(c *Config) { c.Detection.SignalWindow = 30 * time.Second }},
		{"validation window below 60s", func(c *Config) { c.FrontRun.ValidationWindow = 10 * time.Second }},
		{"min markets below 2", func(c *Config) { c.Scan.MinMarkets = 1 }},
	}
	for _, tt := range tests {
		c := Default()
		tt.mutate(&c)
		if err := Validate(c); err == nil {
			t.Fatalf("%s: expected rejection", tt.name)
		}
	}
}

func TestUpdateIsTransactional(t *testing.T) {
	m, err := NewManager(Default())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	prior := m.Get()

	bad := Default()
	bad.Scan.MinMarkets = 0
	if err := m.Update(bad); err == nil {
		t.Fatalf("invalid update must be rejected")
	}
	if got := m.Get(); got.Scan.MinMarkets != prior.Scan.MinMarkets {
		t.Fatalf("rejected update must not mutate the snapshot")
	}

	good := Default()
	good.Detection.VolumeSpikeMultiplier = 4.0
	if err := m.Update(good); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	if m.Get().Detection.VolumeSpikeMultiplier != 4.0 {
		t.Fatalf("valid update not applied")
	}
}

func TestSubscriptions(t *testing.T) {
	m, err := NewManager(Default())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	var seen []float64
	m.OnConfigChange("t", func(c Config) { seen = append(seen, c.Detection.VolumeSpikeMultiplier) })

	next := Default()
	next.Detection.VolumeSpikeMultiplier = 6.0
	if err := m.Update(next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(seen) != 1 || seen[0] != 6.0 {
		t.Fatalf("subscriber not notified with new snapshot: %v", seen)
	}

	m.OffConfigChange("t")
	next.Detection.VolumeSpikeMultiplier = 7.0
	if err := m.Update(next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("unsubscribed callback still invoked")
	}
}

func TestPresets(t *testing.T) {
	for _, name := range []string{"conservative", "balanced", "aggressive", "development"} {
		p, err := Preset(name)
		if err != nil {
			t.Fatalf("preset %s: %v", name, err)
		}
		if err := Validate(p); err != nil {
			t.Fatalf("preset %s must validate: %v", name, err)
		}
	}
	if _, err := Preset("nope"); err == nil {
		t.Fatalf("unknown preset must error")
	}
}

func TestApplyPreset(t *testing.T) {
	m, err := NewManager(Default())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.ApplyPreset("conservative"); err != nil {
		t.Fatalf("apply preset: %v", err)
	}
	if m.Get().Detection.VolumeSpikeMultiplier != 5.0 {
		t.Fatalf("preset not applied")
	}
}
