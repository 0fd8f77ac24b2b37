// Package detector holds the periodic market-level signal detectors: volume
// spikes, price movements, new markets and activity surges, computed from the
// per-market snapshot history the scan loop maintains.
package detector

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/models"
	"sentinel/internal/stats"
)

// Detector runs once per scan tick over the current market list and each
// market's snapshot history. A market emits at most one signal per type per
// sliding window.
type Detector struct {
	Kernel *stats.Kernel
	Logger *zap.Logger
	Config config.DetectionConfig

	mu       sync.Mutex
	lastEmit map[string]map[models.SignalType]time.Time
}

func New(kernel *stats.Kernel, logger *zap.Logger, cfg config.DetectionConfig) *Detector {
	return &Detector{
		Kernel:   kernel,
		Logger:   logger,
		Config:   cfg,
		lastEmit: map[string]map[models.SignalType]time.Time{},
	}
}

// Reconfigure swaps detection thresholds on a hot config change.
func (d *Detector) Reconfigure(cfg config.DetectionConfig) {
	d.mu.Lock()
	d.Config = cfg
	d.mu.Unlock()
}

func (d *Detector) cfg() config.DetectionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Config
}

func (d *Detector) window() time.Duration {
	if w := d.cfg().SignalWindow; w > 0 {
		return w
	}
	return 30 * time.Minute
}

// Detect scans one market against its snapshot history, newest last. Returns
// zero or more signals; empty input produces none. Corrupted history entries
// are skipped.
func (d *Detector) Detect(market *models.Market, history []models.Snapshot, now time.Time) []models.Signal {
	if market == nil {
		return nil
	}
	clean := history[:0:0]
	for _, s := range history {
		if s.Valid() {
			clean = append(clean, s)
		}
	}

	var out []models.Signal
	if sig := d.detectVolumeSpike(market, clean, now); sig != nil {
		out = append(out, *sig)
	}
	if sig := d.detectPriceMovement(market, clean, now); sig != nil {
		out = append(out, *sig)
	}
	if sig := d.detectNewMarket(market, clean, now); sig != nil {
		out = append(out, *sig)
	}
	if sig := d.detectActivity(market, clean, now); sig != nil {
		out = append(out, *sig)
	}
	return out
}

func (d *Detector) detectVolumeSpike(market *models.Market, history []models.Snapshot, now time.Time) *models.Signal {
	if len(history) < 2 {
		return nil
	}
	current := history[len(history)-1]
	var sum float64
	n := 0
	for _, s := range history[:len(history)-1] {
		sum += s.Volume24h
		n++
	}
	if n == 0 || sum <= 0 {
		return nil
	}
	baseline := sum / float64(n)
	cfg := d.cfg()
	mult := cfg.VolumeSpikeMultiplier
	if mult <= 1 {
		mult = 3.0
	}
	ratio := current.Volume24h / baseline
	if ratio < mult || current.Volume24h < cfg.MinVolumeThreshold*mult {
		return nil
	}
	if !d.allow(market.ID, models.SignalVolumeSpike, now) {
		return nil
	}

	severity := models.SeverityMedium
	switch {
	case ratio >= 3*mult:
		severity = models.SeverityCritical
	case ratio >= 2*mult:
		severity = models.SeverityHigh
	}
	// Confidence rises with how far past the trigger the ratio runs.
	confidence := clamp01(0.5 + (ratio-mult)/(2*mult))

	if d.Kernel != nil {
		d.Kernel.AddDataPointAt(market.ID, stats.MetricVolume, current.Volume24h, now)
	}
	return d.emit(market, models.VolumeSpikeMetadata{
		CurrentVolume:   current.Volume24h,
		BaselineVolume:  baseline,
		SpikeMultiplier: ratio,
		Severity:        severity,
	}, confidence, now)
}

func (d *Detector) detectPriceMovement(market *models.Market, history []models.Snapshot, now time.Time) *models.Signal {
	if len(history) == 0 {
		return nil
	}
	current := history[len(history)-1]
	if len(current.PriceChange) == 0 {
		return nil
	}
	cfg := d.cfg()
	threshold := cfg.PriceMoveThresholdPct
	if threshold <= 0 {
		threshold = 10.0
	}

	bestIdx := -1
	bestChange := 0.0
	for idx, change := range current.PriceChange {
		if math.Abs(change) > math.Abs(bestChange) {
			bestIdx = idx
			bestChange = change
		}
	}
	if bestIdx < 0 || math.Abs(bestChange) < threshold {
		return nil
	}
	if !d.allow(market.ID, models.SignalPriceMovement, now) {
		return nil
	}

	baseline := cfg.BaselineExpectedChangePct
	if baseline <= 0 {
		baseline = 5.0
	}
	confidence := clamp01(math.Abs(bestChange) / (baseline * 4))

	severity := models.SeverityMedium
	switch {
	case math.Abs(bestChange) >= 3*threshold:
		severity = models.SeverityCritical
	case math.Abs(bestChange) >= 2*threshold:
		severity = models.SeverityHigh
	}

	outcome := ""
	if bestIdx < len(market.Outcomes) {
		outcome = market.Outcomes[bestIdx]
	}
	var from, to float64
	if bestIdx < len(current.Prices) {
		to = current.Prices[bestIdx]
		from = to / (1 + bestChange/100)
	}
	return d.emit(market, models.PriceMovementMetadata{
		Outcome:      outcome,
		OutcomeIndex: bestIdx,
		ChangePct:    bestChange,
		FromPrice:    from,
		ToPrice:      to,
		WindowMin:    int(d.window().Minutes()),
		Severity:     severity,
	}, confidence, now)
}

func (d *Detector) detectNewMarket(market *models.Market, history []models.Snapshot, now time.Time) *models.Signal {
	if len(history) > 1 {
		return nil
	}
	cfg := d.cfg()
	threshold := cfg.NewMarketVolumeThreshold
	if threshold <= 0 {
		threshold = 10000
	}
	if market.Volume < threshold {
		return nil
	}
	if !d.allow(market.ID, models.SignalNewMarket, now) {
		return nil
	}

	confidence := clamp01(market.ActivityScore / 100)
	severity := models.SeverityLow
	if market.Volume >= 3*threshold {
		severity = models.SeverityMedium
	}
	return d.emit(market, models.NewMarketMetadata{
		Volume:        market.Volume,
		ActivityScore: market.ActivityScore,
		Severity:      severity,
	}, confidence, now)
}

func (d *Detector) detectActivity(market *models.Market, history []models.Snapshot, now time.Time) *models.Signal {
	cfg := d.cfg()
	threshold := cfg.ActivityThreshold
	if threshold <= 0 {
		threshold = 75
	}
	score := market.ActivityScore
	if len(history) > 0 {
		if s := history[len(history)-1].ActivityScore; s > 0 {
			score = s
		}
	}
	if score < threshold {
		return nil
	}
	if !d.allow(market.ID, models.SignalActivitySurge, now) {
		return nil
	}

	severity := models.SeverityMedium
	if score >= 90 {
		severity = models.SeverityHigh
	}
	return d.emit(market, models.ActivitySurgeMetadata{
		ActivityScore: score,
		Threshold:     threshold,
		Severity:      severity,
	}, clamp01(score/100), now)
}

// allow enforces one signal per (market, type) per sliding window.
func (d *Detector) allow(marketID string, st models.SignalType, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	byType, ok := d.lastEmit[marketID]
	if !ok {
		byType = map[models.SignalType]time.Time{}
		d.lastEmit[marketID] = byType
	}
	win := d.Config.SignalWindow
	if win <= 0 {
		win = 30 * time.Minute
	}
	if last, ok := byType[st]; ok && now.Sub(last) < win {
		return false
	}
	byType[st] = now
	return true
}

func (d *Detector) emit(market *models.Market, md models.Metadata, confidence float64, now time.Time) *models.Signal {
	sig, err := models.NewSignal(market.ID, market, md, confidence, now)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("signal rejected at emit", zap.String("market", market.ID), zap.Error(err))
		}
		return nil
	}
	if d.Logger != nil {
		d.Logger.Debug("signal detected",
			zap.String("market", market.ID),
			zap.String("type", string(sig.Type)),
			zap.Float64("confidence", sig.Confidence),
		)
	}
	return &sig
}

// Forget drops the dedup state for a market that left the tracked set.
func (d *Detector) Forget(marketID string) {
	d.mu.Lock()
	delete(d.lastEmit, marketID)
	d.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
