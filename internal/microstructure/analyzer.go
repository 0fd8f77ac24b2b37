// Package microstructure turns raw order-book frames into depth, micro-price,
// spread and imbalance features, z-scored against per-market baselines, and
// surfaces microstructure signals (including liquidity vacuums).
package microstructure

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/models"
	"sentinel/internal/ringbuf"
	"sentinel/internal/stats"
)

const (
	microPriceWindow = 50
	microSlopeSpan   = 20
	diffHistory      = 200
)

// Metrics is the per-event feature bundle handed to the front-run scorer and
// anomaly detector.
type Metrics struct {
	MarketID string
	At       time.Time

	Depth          float64
	DepthChangePct float64
	DepthBaseline  float64

	MicroPrice      float64
	MicroPriceSlope float64
	MicroPriceDrift float64

	Imbalance       float64
	SpreadBps       float64
	SpreadChangePct float64

	DepthZ     stats.ZScoreResult
	SpreadZ    stats.ZScoreResult
	ImbalanceZ stats.ZScoreResult
	MicroZ     stats.ZScoreResult

	LiquidityVacuum bool
}

type state struct {
	depth      *ringbuf.Buffer
	micro      *ringbuf.Buffer
	microDiffs *ringbuf.Buffer

	lastDepth     float64
	lastSpreadBps float64
	lastMicro     float64
	seeded        bool

	lastSignalAt time.Time
}

// Analyzer holds per-market microstructure state. One OnOrderBook call per
// frame; callers serialize per market (the stream consumer guarantees
// arrival order per market).
type Analyzer struct {
	Kernel *stats.Kernel
	Logger *zap.Logger
	Config config.MicrostructureConfig

	mu      sync.Mutex
	markets map[string]*state
}

func NewAnalyzer(kernel *stats.Kernel, logger *zap.Logger, cfg config.MicrostructureConfig) *Analyzer {
	return &Analyzer{
		Kernel:  kernel,
		Logger:  logger,
		Config:  cfg,
		markets: map[string]*state{},
	}
}

func (a *Analyzer) window() int {
	if a.Config.Window <= 0 {
		return 720
	}
	return a.Config.Window
}

func (a *Analyzer) microDepth() int {
	k := a.Config.MicroPriceDepth
	if k <= 0 || k > 3 {
		return 3
	}
	return k
}

func (a *Analyzer) vacuumDrop() float64 {
	if a.Config.VacuumDepthDropPct <= 0 {
		return 40
	}
	return a.Config.VacuumDepthDropPct
}

func (a *Analyzer) vacuumBand() float64 {
	if a.Config.VacuumSpreadBandPct <= 0 {
		return 10
	}
	return a.Config.VacuumSpreadBandPct
}

func (a *Analyzer) dedup() time.Duration {
	if a.Config.DedupWindow <= 0 {
		return 15 * time.Minute
	}
	return a.Config.DedupWindow
}

func (a *Analyzer) state(marketID string) *state {
	if a.markets == nil {
		a.markets = map[string]*state{}
	}
	s, ok := a.markets[marketID]
	if !ok {
		s = &state{
			depth:      ringbuf.New(a.window()),
			micro:      ringbuf.New(microPriceWindow),
			microDiffs: ringbuf.New(diffHistory),
		}
		a.markets[marketID] = s
	}
	return s
}

// OnOrderBook ingests one validated frame and returns the derived metrics.
// The caller validates shape first; a nil kernel only disables z-scoring.
func (a *Analyzer) OnOrderBook(ob *models.OrderBook) Metrics {
	at := ob.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m := Metrics{MarketID: ob.MarketID, At: at}

	if len(ob.Bids) > 0 {
		m.Depth += ob.Bids[0].Size
	}
	if len(ob.Asks) > 0 {
		m.Depth += ob.Asks[0].Size
	}
	m.MicroPrice = microPrice(ob, a.microDepth())
	m.Imbalance = ob.Imbalance(0)
	m.SpreadBps = ob.SpreadBps()

	a.mu.Lock()
	s := a.state(ob.MarketID)
	if s.seeded {
		if s.lastDepth > 0 {
			m.DepthChangePct = (m.Depth - s.lastDepth) / s.lastDepth * 100
		}
		if s.lastSpreadBps > 0 {
			m.SpreadChangePct = (m.SpreadBps - s.lastSpreadBps) / s.lastSpreadBps * 100
		}
		if s.lastMicro > 0 && m.MicroPrice > 0 {
			s.microDiffs.Push(m.MicroPrice - s.lastMicro)
		}
	}
	s.depth.Push(m.Depth)
	if m.MicroPrice > 0 {
		s.micro.Push(m.MicroPrice)
	}
	m.DepthBaseline = mean(s.depth.All())
	m.MicroPriceSlope = stats.OLS(s.micro.Last(microSlopeSpan)).Slope
	m.MicroPriceDrift = a.driftLocked(s, m.MicroPrice)

	drop := 0.0
	if s.seeded && s.lastDepth > 0 {
		drop = (s.lastDepth - m.Depth) / s.lastDepth * 100
	}
	m.LiquidityVacuum = s.seeded && drop > a.vacuumDrop() && math.Abs(m.SpreadChangePct) < a.vacuumBand()

	s.lastDepth = m.Depth
	s.lastSpreadBps = m.SpreadBps
	if m.MicroPrice > 0 {
		s.lastMicro = m.MicroPrice
	}
	s.seeded = true
	a.mu.Unlock()

	if a.Kernel != nil {
		a.Kernel.AddDataPointAt(ob.MarketID, stats.MetricDepth, m.Depth, at)
		a.Kernel.AddDataPointAt(ob.MarketID, stats.MetricSpread, ob.Spread, at)
		a.Kernel.AddDataPointAt(ob.MarketID, stats.MetricImbalance, m.Imbalance, at)
		if m.MicroPrice > 0 {
			a.Kernel.AddDataPointAt(ob.MarketID, stats.MetricMicroPrice, m.MicroPrice, at)
		}
		m.DepthZ = a.Kernel.TimeAdjustedZScore(ob.MarketID, stats.MetricDepth, m.Depth, at)
		m.SpreadZ = a.Kernel.TimeAdjustedZScore(ob.MarketID, stats.MetricSpread, ob.Spread, at)
		m.ImbalanceZ = a.Kernel.TimeAdjustedZScore(ob.MarketID, stats.MetricImbalance, m.Imbalance, at)
		m.MicroZ = a.Kernel.TimeAdjustedZScore(ob.MarketID, stats.MetricMicroPrice, m.MicroPrice, at)
	}
	return m
}

// driftLocked measures positive micro-price excursion above the historical
// 95th percentile of first differences. Requires a.mu held.
func (a *Analyzer) driftLocked(s *state, current float64) float64 {
	diffs := s.microDiffs.All()
	if len(diffs) < 20 || !s.seeded || s.lastMicro <= 0 || current <= 0 {
		return 0
	}
	p95 := stats.Percentile(diffs, 95)
	d := current - s.lastMicro
	if d > p95 && p95 > 0 {
		return d - p95
	}
	return 0
}

// MaybeSignal converts hot metrics into a microstructure signal, applying
// the per-market dedup window. Returns nil when nothing fires or the market
// signalled recently.
func (a *Analyzer) MaybeSignal(m Metrics, market *models.Market) *models.Signal {
	hot := m.LiquidityVacuum || m.DepthZ.IsAnomaly || m.SpreadZ.IsAnomaly || m.ImbalanceZ.IsAnomaly || m.MicroZ.IsAnomaly
	if !hot {
		return nil
	}

	a.mu.Lock()
	s := a.state(m.MarketID)
	if !s.lastSignalAt.IsZero() && m.At.Sub(s.lastSignalAt) < a.dedup() {
		a.mu.Unlock()
		return nil
	}
	s.lastSignalAt = m.At
	a.mu.Unlock()

	maxZ := math.Max(math.Abs(m.DepthZ.Z), math.Max(math.Abs(m.SpreadZ.Z), math.Abs(m.ImbalanceZ.Z)))
	severity := models.SeverityMedium
	if m.LiquidityVacuum {
		severity = models.SeverityHigh
	}
	if m.LiquidityVacuum && maxZ > 4 {
		severity = models.SeverityCritical
	}
	confidence := math.Min(maxZ/5, 1)
	if m.LiquidityVacuum && confidence < 0.6 {
		confidence = 0.6
	}

	sig, err := models.NewSignal(m.MarketID, market, models.MicrostructureMetadata{
		DepthZ:          m.DepthZ.Z,
		SpreadZ:         m.SpreadZ.Z,
		ImbalanceZ:      m.ImbalanceZ.Z,
		MicroPriceDrift: m.MicroPriceDrift,
		SpreadBps:       m.SpreadBps,
		LiquidityVacuum: m.LiquidityVacuum,
		Severity:        severity,
	}, confidence, m.At)
	if err != nil {
		if a.Logger != nil {
			a.Logger.Warn("microstructure signal rejected", zap.Error(err))
		}
		return nil
	}
	return &sig
}

// HourlyBaseline exposes the running time-of-day average for dashboards.
func (a *Analyzer) HourlyBaseline(marketID string, metric stats.Metric, hour int) (mean, stdDev float64, n int64) {
	if a.Kernel == nil {
		return 0, 0, 0
	}
	return a.Kernel.HourBaseline(marketID, metric, hour)
}

// Reset drops per-market state when a market leaves the tracked set.
func (a *Analyzer) Reset(marketID string) {
	a.mu.Lock()
	delete(a.markets, marketID)
	a.mu.Unlock()
	if a.Kernel != nil {
		a.Kernel.Reset(marketID)
	}
}

// microPrice is the volume-weighted mid across the top k levels of each side.
func microPrice(ob *models.OrderBook, k int) float64 {
	var sumPV, sumV float64
	for i := 0; i < k && i < len(ob.Bids); i++ {
		sumPV += ob.Bids[i].Price * ob.Bids[i].Volume
		sumV += ob.Bids[i].Volume
	}
	for i := 0; i < k && i < len(ob.Asks); i++ {
		sumPV += ob.Asks[i].Price * ob.Asks[i].Volume
		sumV += ob.Asks[i].Volume
	}
	if sumV == 0 {
		return 0
	}
	return sumPV / sumV
}

func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, x := range data {
		sum += x
	}
	return sum / float64(len(data))
}
