// Package anomaly layers multivariate detection over the univariate stats
// kernel: time-adjusted z-scores per feature, Mahalanobis distance over a
// rolling covariance, and an isolation-forest ensemble, combined into a
// weighted consensus.
package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/models"
	"sentinel/internal/stats"
)

const featureDims = 6

var featureNames = [featureDims]string{"volume", "depth", "spread", "imbalance", "micro_price", "volatility"}

// FeatureVector is one multivariate observation for a market.
type FeatureVector struct {
	Volume     float64
	Depth      float64
	Spread     float64
	Imbalance  float64
	MicroPrice float64
	Volatility float64
	At         time.Time
}

func (f FeatureVector) slice() []float64 {
	return []float64{f.Volume, f.Depth, f.Spread, f.Imbalance, f.MicroPrice, f.Volatility}
}

// Result is the consensus verdict for one observation.
type Result struct {
	Univariate        float64
	Mahalanobis       float64
	MahalanobisNorm   float64
	Isolation         float64
	Consensus         float64
	IsAnomalous       bool
	AnomalousFeatures []string
	Severity          models.Severity
	Explanation       string
	Remediations      []string
}

type marketHistory struct {
	vectors  [][]float64
	mean     []float64
	covInv   [][]float64
	covOK    bool
	forest   *isoForest
	sinceFit int
}

// Detector consumes feature vectors and scores them. Each market's history
// is guarded by the detector mutex; all heavy reads copy first.
type Detector struct {
	Kernel    *stats.Kernel
	Logger    *zap.Logger
	Window    int     // history length for covariance/forest, default 720
	Threshold float64 // consensus anomaly threshold, default 0.6

	mu      sync.Mutex
	markets map[string]*marketHistory
	rng     *rand.Rand
}

func NewDetector(kernel *stats.Kernel, logger *zap.Logger, cfg config.AnomalyConfig) *Detector {
	return &Detector{
		Kernel:    kernel,
		Logger:    logger,
		Window:    720,
		Threshold: cfg.ConsensusThreshold,
		markets:   map[string]*marketHistory{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reconfigure swaps the consensus threshold on a hot config change; per-market
// histories survive the swap.
func (d *Detector) Reconfigure(cfg config.AnomalyConfig) {
	d.mu.Lock()
	d.Threshold = cfg.ConsensusThreshold
	d.mu.Unlock()
}

func (d *Detector) window() int {
	if d.Window <= 0 {
		return 720
	}
	return d.Window
}

func (d *Detector) threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Threshold <= 0 {
		return 0.6
	}
	return d.Threshold
}

// Observe records the vector and returns the consensus assessment. Singular
// covariance and short histories degrade to zero components, never errors.
func (d *Detector) Observe(marketID string, fv FeatureVector) Result {
	x := fv.slice()

	d.mu.Lock()
	if d.markets == nil {
		d.markets = map[string]*marketHistory{}
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	h, ok := d.markets[marketID]
	if !ok {
		h = &marketHistory{}
		d.markets[marketID] = h
	}
	h.vectors = append(h.vectors, x)
	if len(h.vectors) > d.window() {
		h.vectors = h.vectors[len(h.vectors)-d.window():]
	}
	h.sinceFit++
	// Refit the covariance and forest every 10 observations; fitting per
	// event would dominate the hot path.
	if h.sinceFit >= 10 || (!h.covOK && len(h.vectors) >= featureDims+2) {
		d.refit(h)
		h.sinceFit = 0
	}
	mahal := mahalanobis(x, h.mean, h.covInv, h.covOK)
	iso := h.forest.score(x)
	d.mu.Unlock()

	uni, hot := d.univariate(marketID, fv)

	mahalNorm := mahal / (mahal + float64(featureDims))
	consensus := 0.4*uni + 0.35*mahalNorm + 0.25*iso

	res := Result{
		Univariate:        uni,
		Mahalanobis:       mahal,
		MahalanobisNorm:   mahalNorm,
		Isolation:         iso,
		Consensus:         consensus,
		AnomalousFeatures: hot,
		IsAnomalous:       consensus > d.threshold(),
	}
	if res.IsAnomalous {
		res.Severity = d.severity(res)
		res.Explanation = explain(res)
		res.Remediations = remediations(res)
	} else {
		res.Severity = models.SeverityLow
	}
	return res
}

// univariate averages the clipped time-adjusted |z| per feature and returns
// the features breaching the kernel's anomaly threshold.
func (d *Detector) univariate(marketID string, fv FeatureVector) (float64, []string) {
	if d.Kernel == nil {
		return 0, nil
	}
	values := fv.slice()
	metrics := [featureDims]stats.Metric{
		stats.MetricVolume, stats.MetricDepth, stats.MetricSpread,
		stats.MetricImbalance, stats.MetricMicroPrice, stats.MetricPrice,
	}
	var sum float64
	var hot []string
	for i, m := range metrics {
		z := d.Kernel.TimeAdjustedZScore(marketID, m, values[i], fv.At)
		sum += math.Min(math.Abs(z.Z)/4, 1)
		if z.IsAnomaly {
			hot = append(hot, featureNames[i])
		}
	}
	return sum / featureDims, hot
}

func (d *Detector) severity(r Result) models.Severity {
	types := 0
	if len(r.AnomalousFeatures) > 0 {
		types++
	}
	if r.MahalanobisNorm > 0.5 {
		types++
	}
	if r.Isolation > 0.65 {
		types++
	}
	switch {
	case types >= 3:
		return models.SeverityCritical // systemic: every detector agrees
	case r.MahalanobisNorm > 0.5:
		return models.SeverityHigh
	case len(r.AnomalousFeatures) >= 2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func explain(r Result) string {
	parts := []string{fmt.Sprintf("consensus %.2f", r.Consensus)}
	if len(r.AnomalousFeatures) > 0 {
		parts = append(parts, "unusual "+strings.Join(r.AnomalousFeatures, ", "))
	}
	if r.MahalanobisNorm > 0.5 {
		parts = append(parts, fmt.Sprintf("joint feature distance %.1f sigma-equivalent", r.Mahalanobis))
	}
	if r.Isolation > 0.65 {
		parts = append(parts, fmt.Sprintf("isolation score %.2f", r.Isolation))
	}
	return strings.Join(parts, "; ")
}

// remediations picks 1-4 operator hints from a fixed table keyed on which
// detectors fired.
func remediations(r Result) []string {
	var out []string
	for _, f := range r.AnomalousFeatures {
		switch f {
		case "volume":
			out = append(out, "check for news or large single-account flow behind the volume burst")
		case "depth":
			out = append(out, "verify market-maker quotes; depth moved outside its baseline")
		case "spread":
			out = append(out, "spread regime changed; re-check quote freshness before acting")
		case "imbalance":
			out = append(out, "one-sided book pressure; watch for directional follow-through")
		case "micro_price":
			out = append(out, "micro-price drifting ahead of trades; possible informed flow")
		case "volatility":
			out = append(out, "volatility regime shift; widen expected ranges")
		}
		if len(out) == 3 {
			break
		}
	}
	if r.MahalanobisNorm > 0.5 && len(out) < 4 {
		out = append(out, "multiple features moved together; inspect the full book snapshot")
	}
	if len(out) == 0 {
		out = append(out, "review recent order-book history for this market")
	}
	if len(out) > 4 {
		out = out[:4]
	}
	return out
}

// Reset drops state for a market.
func (d *Detector) Reset(marketID string) {
	d.mu.Lock()
	delete(d.markets, marketID)
	d.mu.Unlock()
}

func (d *Detector) refit(h *marketHistory) {
	n := len(h.vectors)
	if n < featureDims+2 {
		h.covOK = false
		h.forest = nil
		return
	}
	mean := make([]float64, featureDims)
	for _, v := range h.vectors {
		for j := range mean {
			mean[j] += v[j]
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	cov := make([][]float64, featureDims)
	for i := range cov {
		cov[i] = make([]float64, featureDims)
	}
	for _, v := range h.vectors {
		for i := 0; i < featureDims; i++ {
			for j := 0; j < featureDims; j++ {
				cov[i][j] += (v[i] - mean[i]) * (v[j] - mean[j])
			}
		}
	}
	for i := range cov {
		for j := range cov[i] {
			cov[i][j] /= float64(n - 1)
		}
	}
	inv, ok := invert(cov)
	h.mean = mean
	h.covInv = inv
	h.covOK = ok
	h.forest = buildForest(h.vectors, d.rng)
}

func mahalanobis(x, mean []float64, covInv [][]float64, ok bool) float64 {
	if !ok || len(mean) != len(x) || len(covInv) != len(x) {
		return 0
	}
	diff := make([]float64, len(x))
	for i := range x {
		diff[i] = x[i] - mean[i]
	}
	var sum float64
	for i := range diff {
		var row float64
		for j := range diff {
			row += covInv[i][j] * diff[j]
		}
		sum += diff[i] * row
	}
	if sum < 0 {
		return 0
	}
	return math.Sqrt(sum)
}

// invert performs Gauss-Jordan elimination with partial pivoting; a pivot
// magnitude under 1e-10 marks the matrix near-singular and fails the invert.
func invert(m [][]float64) ([][]float64, bool) {
	n := len(m)
	aug := make([][]float64, n)
	for i := range aug {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], m[i])
		aug[i][n+i] = 1
	}
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(aug[pivot][col]) < 1e-10 {
			return nil, false
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]
		pv := aug[col][col]
		for j := 0; j < 2*n; j++ {
			aug[col][j] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				aug[r][j] -= factor * aug[col][j]
			}
		}
	}
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
		copy(inv[i], aug[i][n:])
	}
	return inv, true
}
