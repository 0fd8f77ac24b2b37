package config

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Manager is the config port: read-mostly snapshots, transactional updates,
// named presets, and change subscriptions. Writers are serialized; readers
// always see a complete snapshot.
type Manager struct {
	mu      sync.RWMutex
	current Config
	subs    map[string]func(Config)
}

func NewManager(initial Config) (*Manager, error) {
	if err := Validate(initial); err != nil {
		return nil, err
	}
	return &Manager{current: initial, subs: map[string]func(Config){}}, nil
}

// Get returns a stable snapshot for the duration of an operation.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates the would-be-new config as a whole. On failure the prior
// snapshot stays in place and the rejection reason is returned.
func (m *Manager) Update(next Config) error {
	if err := Validate(next); err != nil {
		return fmt.Errorf("config update rejected: %w", err)
	}
	m.mu.Lock()
	m.current = next
	subs := make([]func(Config), 0, len(m.subs))
	keys := make([]string, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		subs = append(subs, m.subs[k])
	}
	snapshot := m.current
	m.mu.Unlock()

	for _, cb := range subs {
		cb(snapshot)
	}
	return nil
}

// ApplyPreset is Update(preset) under the same transactional validation.
func (m *Manager) ApplyPreset(name string) error {
	p, err := Preset(name)
	if err != nil {
		return err
	}
	return m.Update(p)
}

// OnConfigChange registers a callback invoked with the new snapshot after
// every successful update. Registration is keyed for later removal.
func (m *Manager) OnConfigChange(id string, cb func(Config)) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	m.subs[id] = cb
	m.mu.Unlock()
}

func (m *Manager) OffConfigChange(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Validate enforces the structural invariants every snapshot must satisfy.
func Validate(c Config) error {
	if c.Cluster.CorrelationThreshold < 0 || c.Cluster.CorrelationThreshold > 1 {
		return fmt.Errorf("cluster.correlation_threshold %.3f outside [0,1]", c.Cluster.CorrelationThreshold)
	}
	if c.Alerts.MediumThreshold >= c.Alerts.HighThreshold {
		return fmt.Errorf("priority ordering violated: medium %.1f >= high %.1f", c.Alerts.MediumThreshold, c.Alerts.HighThreshold)
	}
	if c.Alerts.HighThreshold >= c.Alerts.CriticalThreshold {
		return fmt.Errorf("priority ordering violated: high %.1f >= critical %.1f", c.Alerts.HighThreshold, c.Alerts.CriticalThreshold)
	}
	if sum := c.Opportunity.Weights.Sum(); sum < 0.95 || sum > 1.05 {
		return fmt.Errorf("opportunity weights sum %.3f outside [0.95,1.05]", sum)
	}
	if c.Detection.VolumeSpikeMultiplier <= 1.0 {
		return fmt.Errorf("detection.volume_spike_multiplier %.2f must exceed 1.0", c.Detection.VolumeSpikeMultiplier)
	}
	if c.Detection.SignalWindow < time.Minute {
		return fmt.Errorf("detection.signal_window %s below 60s", c.Detection.SignalWindow)
	}
	if c.FrontRun.ValidationWindow < time.Minute {
		return fmt.Errorf("front_run.validation_window %s below 60s", c.FrontRun.ValidationWindow)
	}
	if c.Scan.MinMarkets < 2 {
		return fmt.Errorf("scan.min_markets %d below 2", c.Scan.MinMarkets)
	}
	return nil
}

// Preset returns a named immutable snapshot derived from the defaults.
func Preset(name string) (Config, error) {
	c := Default()
	switch name {
	case "balanced":
		// Defaults are the balanced profile.
	case "conservative":
		c.Detection.VolumeSpikeMultiplier = 5.0
		c.Detection.PriceMoveThresholdPct = 15.0
		c.Alerts.MinOpportunityScore = 50.0
		c.Alerts.RateLimits = RateLimits{Critical: 5, High: 10, Medium: 15, Low: 20}
		c.Alerts.Cooldowns = Cooldowns{
			Critical: time.Hour,
			High:     2 * time.Hour,
			Medium:   4 * time.Hour,
			Low:      8 * time.Hour,
		}
		c.Anomaly.ConsensusThreshold = 0.75
		c.FrontRun.EmitThreshold = 0.65
	case "aggressive":
		c.Detection.VolumeSpikeMultiplier = 2.0
		c.Detection.PriceMoveThresholdPct = 5.0
		c.Alerts.MinOpportunityScore = 20.0
		c.Alerts.RateLimits = RateLimits{Critical: 20, High: 40, Medium: 60, Low: 120}
		c.Alerts.Cooldowns = Cooldowns{
			Critical: 15 * time.Minute,
			High:     30 * time.Minute,
			Medium:   time.Hour,
			Low:      2 * time.Hour,
		}
		c.Anomaly.ConsensusThreshold = 0.5
		c.FrontRun.EmitThreshold = 0.4
	case "development":
		c.App.Env = "dev"
		c.Log.Level = "debug"
		c.Log.Encoding = "console"
		c.Scan.Interval = 10 * time.Second
		c.Detection.VolumeSpikeMultiplier = 1.5
		c.Detection.SignalWindow = time.Minute
		c.Alerts.MinOpportunityScore = 0
		c.Catalog.MinVolumeFloor = 0
	default:
		return Config{}, fmt.Errorf("unknown preset %q", name)
	}
	return c, nil
}
