// Package frontrun scores microstructure bundles for informed-trading
// footprints: micro-price drift into thin books ahead of news.
package frontrun

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/microstructure"
	"sentinel/internal/models"
	"sentinel/internal/stats"
)

// Event is one scored front-running suspicion retained for later validation
// against actual news times.
type Event struct {
	ID              string
	MarketID        string
	At              time.Time
	Score           float64
	LeakProbability float64
	TimeToNewsMin   float64
	Validated       bool
	NewsAt          time.Time
	LeadTime        time.Duration
}

// Scorer computes front-running scores and keeps the rolling validation
// ledger feeding the historical-accuracy multiplier.
type Scorer struct {
	Kernel *stats.Kernel
	Logger *zap.Logger
	Config config.FrontRunConfig

	mu        sync.Mutex
	events    []Event
	validated int
	total     int
}

func New(kernel *stats.Kernel, logger *zap.Logger, cfg config.FrontRunConfig) *Scorer {
	return &Scorer{Kernel: kernel, Logger: logger, Config: cfg}
}

func (s *Scorer) emitThreshold() float64 {
	if s.Config.EmitThreshold <= 0 {
		return 0.5
	}
	return s.Config.EmitThreshold
}

func (s *Scorer) validationWindow() time.Duration {
	if s.Config.ValidationWindow <= 0 {
		return 2 * time.Hour
	}
	return s.Config.ValidationWindow
}

func (s *Scorer) baseTimeToNews() time.Duration {
	if s.Config.BaseTimeToNews <= 0 {
		return 5 * time.Minute
	}
	return s.Config.BaseTimeToNews
}

// Result is the full scoring breakdown; Signal is nil below the emit threshold.
type Result struct {
	Raw             float64
	Score           float64
	Confidence      float64
	LeakProbability float64
	TimeToNewsMin   float64
	OffHours        bool
	Bonuses         float64
}

// Score evaluates one microstructure bundle. correlated is the co-cluster
// market count from the topic clusterer; volume is the market's 24h volume.
func (s *Scorer) Score(m microstructure.Metrics, market *models.Market, correlated int) Result {
	volume := 0.0
	if market != nil {
		volume = market.Volume24h
		if volume == 0 {
			volume = market.Volume
		}
	}

	volumeZ := 0.0
	if s.Kernel != nil {
		volumeZ = s.Kernel.ZScore(m.MarketID, stats.MetricVolume, volume).Z
	}
	volumeWeight := math.Max(1, volumeZ) * math.Log10(math.Max(1000, volume)) / 6

	spreadBps := math.Max(m.SpreadBps, 1)
	raw := math.Abs(m.MicroPriceDrift) * volumeWeight * math.Abs(m.DepthChangePct) / spreadBps

	bonus := 1.0
	if math.Abs(m.SpreadChangePct) < 10 && (m.DepthZ.Z > 2 || math.Abs(m.ImbalanceZ.Z) > 2) {
		bonus *= 1.2
	}
	if correlated > 0 {
		// Linear in [1, 1.5], saturating at 10 correlated markets.
		bonus *= 1 + 0.5*math.Min(float64(correlated), 10)/10
	}
	hour := m.At.Hour()
	offHours := hour >= 22 || hour <= 5
	if offHours {
		bonus *= 2
	}
	raw *= bonus

	score := math.Tanh(raw / 10)

	zStrength := clamp01((math.Abs(m.DepthZ.Z) + math.Abs(m.ImbalanceZ.Z) + math.Abs(m.MicroZ.Z)) / 9)
	driftStrength := clamp01(math.Abs(m.MicroPriceDrift) * 100)
	crossStrength := clamp01(float64(correlated) / 5)
	confidence := clamp01(0.5*zStrength + 0.3*driftStrength + 0.2*crossStrength)

	leak := 0.7*score + 0.2*confidence
	if offHours {
		leak += 0.05
	}
	if correlated >= 2 {
		leak += 0.05
	}
	leak = clamp01(leak * s.accuracyMultiplier())

	ttn := s.baseTimeToNews().Minutes() * (1 - score)
	if offHours {
		ttn *= 1.5 // overnight leaks resolve on the next session open
	}
	ttn = clampRange(ttn, 1, 30)

	return Result{
		Raw:             raw,
		Score:           score,
		Confidence:      confidence,
		LeakProbability: leak,
		TimeToNewsMin:   ttn,
		OffHours:        offHours,
		Bonuses:         bonus,
	}
}

// Evaluate scores the bundle and emits a front-running signal when the score
// clears the threshold, recording the event for validation.
func (s *Scorer) Evaluate(m microstructure.Metrics, market *models.Market, correlated int) *models.Signal {
	res := s.Score(m, market, correlated)
	if res.Score < s.emitThreshold() {
		return nil
	}

	severity := models.SeverityMedium
	switch {
	case res.Score >= 0.9:
		severity = models.SeverityCritical
	case res.Score >= 0.8:
		severity = models.SeverityHigh
	}

	sig, err := models.NewSignal(m.MarketID, market, models.FrontRunningMetadata{
		Score:             res.Score,
		LeakProbability:   res.LeakProbability,
		TimeToNewsMin:     res.TimeToNewsMin,
		MicroPriceDrift:   m.MicroPriceDrift,
		DepthChange:       m.DepthChangePct,
		SpreadBps:         m.SpreadBps,
		CorrelatedMarkets: correlated,
		OffHours:          res.OffHours,
		Severity:          severity,
	}, res.Confidence, m.At)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("front-running signal rejected", zap.Error(err))
		}
		return nil
	}

	s.mu.Lock()
	s.events = append(s.events, Event{
		ID:              uuid.NewString(),
		MarketID:        m.MarketID,
		At:              m.At,
		Score:           res.Score,
		LeakProbability: res.LeakProbability,
		TimeToNewsMin:   res.TimeToNewsMin,
	})
	s.total++
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Info("front-running suspicion",
			zap.String("market", m.MarketID),
			zap.Float64("score", res.Score),
			zap.Float64("leak_probability", res.LeakProbability),
			zap.Float64("time_to_news_min", res.TimeToNewsMin),
		)
	}
	return &sig
}

// ValidateLeakEvent marks unvalidated events for the market within the
// validation window before newsTime as confirmed, recording lead times. The
// running hit rate feeds the accuracy multiplier on future scores.
func (s *Scorer) ValidateLeakEvent(marketID string, newsTime time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.validationWindow()
	n := 0
	for i := range s.events {
		ev := &s.events[i]
		if ev.Validated || ev.MarketID != marketID {
			continue
		}
		lead := newsTime.Sub(ev.At)
		if lead < 0 || lead > window {
			continue
		}
		ev.Validated = true
		ev.NewsAt = newsTime
		ev.LeadTime = lead
		s.validated++
		n++
	}
	if n > 0 && s.Logger != nil {
		s.Logger.Info("leak events validated",
			zap.String("market", marketID),
			zap.Int("count", n),
		)
	}
	return n
}

// accuracyMultiplier scales leak probability by the historical hit rate,
// centered at 1.0 when unknown and bounded to [0.7, 1.3].
func (s *Scorer) accuracyMultiplier() float64 {
	s.mu.Lock()
	total, validated := s.total, s.validated
	s.mu.Unlock()
	if total < 5 {
		return 1.0
	}
	hitRate := float64(validated) / float64(total)
	return clampRange(0.7+hitRate*0.6, 0.7, 1.3)
}

// Events returns a copy of the event ledger, newest last.
func (s *Scorer) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Sweep drops events older than 24h to bound the ledger.
func (s *Scorer) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-24 * time.Hour)
	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.At.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	s.events = kept
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
