// Package stats is the shared rolling-statistics kernel. Every consumer
// (microstructure analyzer, signal detectors, anomaly detector, front-run
// scorer) feeds per-(market, metric) samples here and reads z-scores,
// trends and volatility back out.
package stats

import (
	"math"
	"sync"
	"time"

	"sentinel/internal/ringbuf"
)

// Metric names the per-market series the kernel tracks.
type Metric string

const (
	MetricPrice      Metric = "price"
	MetricVolume     Metric = "volume"
	MetricSpread     Metric = "spread"
	MetricDepth      Metric = "depth"
	MetricImbalance  Metric = "imbalance"
	MetricMicroPrice Metric = "micro_price"
)

const (
	defaultWindow    = 720
	defaultAlpha     = 0.1
	defaultMinSample = 30
)

// hourBaseline is a running per-hour-of-day mean/stddev via Welford updates.
type hourBaseline struct {
	n    int64
	mean float64
	m2   float64
}

func (h *hourBaseline) update(x float64) {
	h.n++
	delta := x - h.mean
	h.mean += delta / float64(h.n)
	h.m2 += delta * (x - h.mean)
}

func (h *hourBaseline) stdDev() float64 {
	if h.n < 2 {
		return 0
	}
	return math.Sqrt(h.m2 / float64(h.n-1))
}

type series struct {
	buf    *ringbuf.Buffer
	ewma   float64
	primed bool
	hours  [24]hourBaseline
}

type marketState struct {
	mu     sync.Mutex
	series map[Metric]*series
}

// Kernel holds all per-market statistical state. Zero values for the knobs
// fall back to the defaults (window 720, alpha 0.1, minSample 30).
type Kernel struct {
	Window    int
	Alpha     float64
	MinSample int
	// AnomalyZ is the |z| above which ZScore flags a sample anomalous.
	AnomalyZ float64

	mu      sync.RWMutex
	markets map[string]*marketState
}

func NewKernel() *Kernel {
	return &Kernel{
		Window:    defaultWindow,
		Alpha:     defaultAlpha,
		MinSample: defaultMinSample,
		AnomalyZ:  3.0,
		markets:   map[string]*marketState{},
	}
}

func (k *Kernel) window() int {
	if k.Window <= 0 {
		return defaultWindow
	}
	return k.Window
}

func (k *Kernel) alpha() float64 {
	if k.Alpha <= 0 || k.Alpha > 1 {
		return defaultAlpha
	}
	return k.Alpha
}

func (k *Kernel) minSample() int {
	if k.MinSample <= 0 {
		return defaultMinSample
	}
	return k.MinSample
}

func (k *Kernel) anomalyZ() float64 {
	if k.AnomalyZ <= 0 {
		return 3.0
	}
	return k.AnomalyZ
}

func (k *Kernel) market(marketID string) *marketState {
	k.mu.RLock()
	ms, ok := k.markets[marketID]
	k.mu.RUnlock()
	if ok {
		return ms
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if ms, ok = k.markets[marketID]; ok {
		return ms
	}
	if k.markets == nil {
		k.markets = map[string]*marketState{}
	}
	ms = &marketState{series: map[Metric]*series{}}
	k.markets[marketID] = ms
	return ms
}

func (ms *marketState) get(metric Metric, window int) *series {
	s, ok := ms.series[metric]
	if !ok {
		s = &series{buf: ringbuf.New(window)}
		ms.series[metric] = s
	}
	return s
}

// AddDataPoint records one sample for (marketID, metric) timestamped now.
func (k *Kernel) AddDataPoint(marketID string, metric Metric, value float64) {
	k.AddDataPointAt(marketID, metric, value, time.Now().UTC())
}

// AddDataPointAt records one sample and updates the hour-of-day baseline for
// the sample's hour.
func (k *Kernel) AddDataPointAt(marketID string, metric Metric, value float64, at time.Time) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	ms := k.market(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s := ms.get(metric, k.window())
	s.buf.Push(value)
	if !s.primed {
		s.ewma = value
		s.primed = true
	} else {
		a := k.alpha()
		s.ewma = a*value + (1-a)*s.ewma
	}
	s.hours[at.UTC().Hour()].update(value)
}

// Samples returns a copy of the stored series, oldest to newest.
func (k *Kernel) Samples(marketID string, metric Metric) []float64 {
	ms := k.market(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.series[metric]
	if !ok {
		return nil
	}
	return s.buf.All()
}

// EWMA returns the exponentially weighted mean; ok is false before any sample.
func (k *Kernel) EWMA(marketID string, metric Metric) (float64, bool) {
	ms := k.market(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.series[metric]
	if !ok || !s.primed {
		return 0, false
	}
	return s.ewma, true
}

// ZScoreResult carries the standardized score and its two-sided p-value.
// Neutral (z=0, p=1, not anomalous) when the series is too short or flat.
type ZScoreResult struct {
	Z          float64
	PValue     float64
	IsAnomaly  bool
	Confidence float64
	StdError   float64
	N          int
}

func neutralZ(n int) ZScoreResult {
	return ZScoreResult{Z: 0, PValue: 1, IsAnomaly: false, Confidence: 0, StdError: 0, N: n}
}

// ZScore standardizes value against the stored series for (marketID, metric).
func (k *Kernel) ZScore(marketID string, metric Metric, value float64) ZScoreResult {
	data := k.Samples(marketID, metric)
	return k.zAgainst(data, value)
}

func (k *Kernel) zAgainst(data []float64, value float64) ZScoreResult {
	n := len(data)
	if n < k.minSample() {
		return neutralZ(n)
	}
	mean, sd := meanStdDev(data)
	if sd == 0 {
		return neutralZ(n)
	}
	z := (value - mean) / sd
	p := 2 * (1 - NormalCDF(math.Abs(z)))
	return ZScoreResult{
		Z:          z,
		PValue:     p,
		IsAnomaly:  math.Abs(z) > k.anomalyZ(),
		Confidence: clamp01(1 - p),
		StdError:   sd / math.Sqrt(float64(n)),
		N:          n,
	}
}

// TimeAdjustedZScore standardizes against the hour-of-day baseline for t's
// hour, falling back to the whole-series z-score when the hour has too few
// samples.
func (k *Kernel) TimeAdjustedZScore(marketID string, metric Metric, value float64, t time.Time) ZScoreResult {
	ms := k.market(marketID)
	ms.mu.Lock()
	s, ok := ms.series[metric]
	if !ok {
		ms.mu.Unlock()
		return neutralZ(0)
	}
	hb := s.hours[t.UTC().Hour()]
	ms.mu.Unlock()

	if int(hb.n) < k.minSample() {
		return k.ZScore(marketID, metric, value)
	}
	sd := hb.stdDev()
	if sd == 0 {
		return neutralZ(int(hb.n))
	}
	z := (value - hb.mean) / sd
	p := 2 * (1 - NormalCDF(math.Abs(z)))
	return ZScoreResult{
		Z:          z,
		PValue:     p,
		IsAnomaly:  math.Abs(z) > k.anomalyZ(),
		Confidence: clamp01(1 - p),
		StdError:   sd / math.Sqrt(float64(hb.n)),
		N:          int(hb.n),
	}
}

// HourBaseline exposes the stored time-of-day baseline for an hour in [0,23].
func (k *Kernel) HourBaseline(marketID string, metric Metric, hour int) (mean, stdDev float64, n int64) {
	if hour < 0 || hour > 23 {
		return 0, 0, 0
	}
	ms := k.market(marketID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.series[metric]
	if !ok {
		return 0, 0, 0
	}
	hb := s.hours[hour]
	return hb.mean, hb.stdDev(), hb.n
}

// MarketHealthScore grades statistical tracking quality for a market in
// [0,100]: sample coverage across metrics, spread stability, and price
// volatility sanity.
func (k *Kernel) MarketHealthScore(marketID string) float64 {
	metrics := []Metric{MetricPrice, MetricVolume, MetricSpread, MetricDepth, MetricImbalance}
	score := 100.0
	tracked := 0
	for _, m := range metrics {
		data := k.Samples(marketID, m)
		if len(data) == 0 {
			score -= 12
			continue
		}
		tracked++
		if len(data) < k.minSample() {
			score -= 6
		}
	}
	if tracked == 0 {
		return 0
	}
	if spread := k.Samples(marketID, MetricSpread); len(spread) >= k.minSample() {
		mean, sd := meanStdDev(spread)
		if mean > 0 && sd/mean > 1.0 {
			score -= 10
		}
		if mean > 0.05 { // persistent 500bps spread is an unhealthy book
			score -= 10
		}
	}
	if prices := k.Samples(marketID, MetricPrice); len(prices) >= k.minSample() {
		_, sd := meanStdDev(prices)
		if sd > 0.15 {
			score -= 10
		}
	}
	return clampRange(score, 0, 100)
}

// Reset drops all state for a market (delisted or closed).
func (k *Kernel) Reset(marketID string) {
	k.mu.Lock()
	delete(k.markets, marketID)
	k.mu.Unlock()
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
