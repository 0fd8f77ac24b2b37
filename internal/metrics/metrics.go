// Package metrics is the engine-wide observability surface: a prometheus
// registry behind a small name+tags API, a shadow value map feeding the
// threshold monitor, and periodic system snapshots.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sentinel/internal/config"
)

// Counter names every component increments. Kept in one place so operators
// can grep the set.
const (
	CounterSignalsGenerated  = "signals_generated_total"
	CounterAnomalies         = "anomalies_detected_total"
	CounterAlertsSent        = "alerts_sent_total"
	CounterAlertsFiltered    = "alerts_filtered_total"
	CounterAlertsRateLimited = "alerts_rate_limited_total"
	CounterAlertsCooldown    = "alerts_cooldown_total"
	CounterQueueDropped      = "queue_dropped_items_total"
	CounterDataShapeErrors   = "data_shape_errors_total"
	CounterInternalRecovered = "internal_recovered_total"
	CounterWebhookFailures   = "webhook_failures_total"
	CounterScanErrors        = "scan_errors_total"

	GaugeMarketsTracked = "markets_tracked"
	GaugeStreamedAssets = "streamed_assets"
	GaugeHealthScore    = "health_score"
	GaugeErrorRate      = "error_rate_per_min"
	GaugeQueueDepth     = "signal_queue_depth"

	HistogramScanDuration    = "scan_duration_seconds"
	HistogramWebhookDuration = "webhook_duration_seconds"
	HistogramLoopLag         = "loop_lag_seconds"
)

// ThresholdEvent is emitted when a monitored value crosses warn or critical.
type ThresholdEvent struct {
	Metric   string
	Value    float64
	Level    string // "warn" | "critical"
	Breached float64
	At       time.Time
}

type vecKey struct {
	name   string
	labels string
}

// Collector owns the registry. All methods are safe for concurrent use.
type Collector struct {
	Logger *zap.Logger

	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[vecKey]*prometheus.CounterVec
	gauges     map[vecKey]*prometheus.GaugeVec
	histograms map[vecKey]*prometheus.HistogramVec

	// Shadow state for threshold checks and the status endpoint.
	values map[string]float64
	errors []time.Time

	thresholds map[string]config.MetricThreshold
	onEvent    func(ThresholdEvent)

	startedAt time.Time
}

func NewCollector(logger *zap.Logger, thresholds map[string]config.MetricThreshold) *Collector {
	return &Collector{
		Logger:     logger,
		registry:   prometheus.NewRegistry(),
		counters:   map[vecKey]*prometheus.CounterVec{},
		gauges:     map[vecKey]*prometheus.GaugeVec{},
		histograms: map[vecKey]*prometheus.HistogramVec{},
		values:     map[string]float64{},
		thresholds: thresholds,
		startedAt:  time.Now().UTC(),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// OnThresholdEvent registers the single event sink (the orchestrator).
func (c *Collector) OnThresholdEvent(fn func(ThresholdEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// SetThresholds swaps the monitored threshold table (hot config).
func (c *Collector) SetThresholds(t map[string]config.MetricThreshold) {
	c.mu.Lock()
	c.thresholds = t
	c.mu.Unlock()
}

func labelKey(tags map[string]string) (string, []string, []string) {
	if len(tags) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = tags[k]
	}
	return strings.Join(keys, ","), keys, vals
}

// Inc increments a counter identified by name and tag set.
func (c *Collector) Inc(name string, tags map[string]string) {
	c.Add(name, 1, tags)
}

func (c *Collector) Add(name string, delta float64, tags map[string]string) {
	lk, keys, vals := labelKey(tags)
	c.mu.Lock()
	key := vecKey{name, lk}
	vec, ok := c.counters[key]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      name,
		}, keys)
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			if c.Logger != nil {
				c.Logger.Warn("counter register failed", zap.String("name", name), zap.Error(err))
			}
			return
		}
		c.counters[key] = vec
	}
	c.values[name] += delta
	c.mu.Unlock()
	vec.WithLabelValues(vals...).Add(delta)
}

// SetGauge sets a gauge and records it in the shadow map for thresholds.
func (c *Collector) SetGauge(name string, value float64, tags map[string]string) {
	lk, keys, vals := labelKey(tags)
	c.mu.Lock()
	key := vecKey{name, lk}
	vec, ok := c.gauges[key]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      name,
		}, keys)
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			if c.Logger != nil {
				c.Logger.Warn("gauge register failed", zap.String("name", name), zap.Error(err))
			}
			return
		}
		c.gauges[key] = vec
	}
	c.values[name] = value
	c.mu.Unlock()
	vec.WithLabelValues(vals...).Set(value)
}

// Observe records a histogram sample.
func (c *Collector) Observe(name string, value float64, tags map[string]string) {
	lk, keys, vals := labelKey(tags)
	c.mu.Lock()
	key := vecKey{name, lk}
	vec, ok := c.histograms[key]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		if err := c.registry.Register(vec); err != nil {
			c.mu.Unlock()
			if c.Logger != nil {
				c.Logger.Warn("histogram register failed", zap.String("name", name), zap.Error(err))
			}
			return
		}
		c.histograms[key] = vec
	}
	c.mu.Unlock()
	vec.WithLabelValues(vals...).Observe(value)
}

// RecordError feeds the sliding errors/min window.
func (c *Collector) RecordError() {
	now := time.Now()
	c.mu.Lock()
	c.errors = append(c.errors, now)
	c.trimErrorsLocked(now)
	c.mu.Unlock()
}

func (c *Collector) trimErrorsLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(c.errors); i++ {
		if c.errors[i].After(cutoff) {
			break
		}
	}
	c.errors = c.errors[i:]
}

// ErrorRate is errors per minute over the last minute.
func (c *Collector) ErrorRate() float64 {
	now := time.Now()
	c.mu.Lock()
	c.trimErrorsLocked(now)
	n := len(c.errors)
	c.mu.Unlock()
	return float64(n)
}

func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startedAt)
}

// Value returns the shadow value for a metric (latest gauge value or
// cumulative counter total).
func (c *Collector) Value(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name]
}

// CheckThresholds evaluates every monitored metric against its table entry
// and emits warn/critical events. Inverted metrics (health score) breach
// when the value drops below the bound.
func (c *Collector) CheckThresholds() []ThresholdEvent {
	now := time.Now().UTC()
	c.mu.Lock()
	table := c.thresholds
	sink := c.onEvent
	vals := make(map[string]float64, len(table))
	for name := range table {
		vals[name] = c.values[name]
	}
	c.mu.Unlock()

	var events []ThresholdEvent
	for name, th := range table {
		v := vals[name]
		level := ""
		bound := 0.0
		if th.Inverted {
			switch {
			case th.Critical != 0 && v <= th.Critical:
				level, bound = "critical", th.Critical
			case th.Warn != 0 && v <= th.Warn:
				level, bound = "warn", th.Warn
			}
		} else {
			switch {
			case th.Critical != 0 && v >= th.Critical:
				level, bound = "critical", th.Critical
			case th.Warn != 0 && v >= th.Warn:
				level, bound = "warn", th.Warn
			}
		}
		if level == "" {
			continue
		}
		ev := ThresholdEvent{Metric: name, Value: v, Level: level, Breached: bound, At: now}
		events = append(events, ev)
		if sink != nil {
			sink(ev)
		}
		if c.Logger != nil {
			c.Logger.Warn("metric threshold crossed",
				zap.String("metric", name),
				zap.String("level", level),
				zap.Float64("value", v),
				zap.Float64("bound", bound),
			)
		}
	}
	return events
}
