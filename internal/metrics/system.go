package metrics

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// SystemSnapshot is the periodic process-health sample exposed on the status
// endpoint and fed into the threshold monitor.
type SystemSnapshot struct {
	At            time.Time `json:"at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	HeapSysMB     float64   `json:"heap_sys_mb"`
	GCPauseMs     float64   `json:"gc_pause_ms"`
	LoopLagMs     float64   `json:"loop_lag_ms"`
	ErrorRate     float64   `json:"error_rate_per_min"`
	HealthScore   float64   `json:"health_score"`
}

// Snapshot samples the runtime and updates the derived gauges. Loop lag is
// the delay between asking the scheduler for a timer and it firing.
func (c *Collector) Snapshot() SystemSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	lagStart := time.Now()
	timer := time.NewTimer(time.Millisecond)
	<-timer.C
	lag := time.Since(lagStart) - time.Millisecond
	if lag < 0 {
		lag = 0
	}

	s := SystemSnapshot{
		At:            time.Now().UTC(),
		UptimeSeconds: c.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(ms.HeapAlloc) / (1 << 20),
		HeapSysMB:     float64(ms.HeapSys) / (1 << 20),
		GCPauseMs:     float64(ms.PauseNs[(ms.NumGC+255)%256]) / 1e6,
		LoopLagMs:     float64(lag.Microseconds()) / 1000,
		ErrorRate:     c.ErrorRate(),
	}
	s.HealthScore = healthScore(s)

	c.SetGauge(GaugeErrorRate, s.ErrorRate, nil)
	c.SetGauge(GaugeHealthScore, s.HealthScore, nil)
	c.Observe(HistogramLoopLag, lag.Seconds(), nil)
	return s
}

// healthScore grades the process in [0,100]: penalties for error rate, lag
// and heap pressure.
func healthScore(s SystemSnapshot) float64 {
	score := 100.0
	score -= s.ErrorRate * 2
	if s.LoopLagMs > 50 {
		score -= 10
	}
	if s.LoopLagMs > 250 {
		score -= 20
	}
	if s.HeapAllocMB > 1024 {
		score -= 15
	}
	if s.Goroutines > 5000 {
		score -= 15
	}
	if score < 0 {
		return 0
	}
	return score
}

// RunCollector snapshots and checks thresholds on the given cadence until
// the context is done.
func (c *Collector) RunCollector(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s := c.Snapshot()
			c.CheckThresholds()
			if c.Logger != nil {
				c.Logger.Debug("system snapshot",
					zap.Float64("health", s.HealthScore),
					zap.Float64("error_rate", s.ErrorRate),
					zap.Int("goroutines", s.Goroutines),
				)
			}
		}
	}
}
