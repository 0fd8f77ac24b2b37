package stats

import "math"

// TrendDirection classifies the OLS slope.
type TrendDirection string

const (
	TrendUp   TrendDirection = "up"
	TrendDown TrendDirection = "down"
	TrendFlat TrendDirection = "flat"
)

// ChangePoint marks an index where the series mean or variance broke.
type ChangePoint struct {
	Index      int
	MeanBefore float64
	MeanAfter  float64
	VarBefore  float64
	VarAfter   float64
}

// TrendResult is the OLS fit over a stored series.
type TrendResult struct {
	Direction    TrendDirection
	Slope        float64
	Intercept    float64
	RSquared     float64
	Significance float64
	ChangePoints []ChangePoint
}

// Trend fits y = a + b*t over the stored series. Significance is the
// two-sided p-value of the slope t-statistic approximated through the normal
// CDF, matching how the rest of the kernel reports significance.
func (k *Kernel) Trend(marketID string, metric Metric) TrendResult {
	data := k.Samples(marketID, metric)
	res := OLS(data)
	if len(data) >= k.minSample() {
		res.ChangePoints = DetectChangePoints(data, k.minSample()/2)
	}
	return res
}

// DetectStructuralBreaks returns the change points of the stored series.
func (k *Kernel) DetectStructuralBreaks(marketID string, metric Metric) []ChangePoint {
	data := k.Samples(marketID, metric)
	if len(data) < k.minSample() {
		return nil
	}
	return DetectChangePoints(data, k.minSample()/2)
}

// OLS fits a least-squares line over data indexed 0..n-1.
func OLS(data []float64) TrendResult {
	n := len(data)
	if n < 2 {
		return TrendResult{Direction: TrendFlat, Significance: 1}
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range data {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return TrendResult{Direction: TrendFlat, Significance: 1}
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	meanY := sumY / fn
	var ssTot, ssRes float64
	for i, y := range data {
		fit := intercept + slope*float64(i)
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - meanY) * (y - meanY)
	}
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	sig := 1.0
	if n > 2 && ssRes >= 0 {
		se := math.Sqrt(ssRes/float64(n-2)) / math.Sqrt(sumXX-sumX*sumX/fn)
		if se > 0 {
			t := slope / se
			sig = 2 * (1 - NormalCDF(math.Abs(t)))
		} else if slope != 0 {
			sig = 0
		}
	}

	dir := TrendFlat
	if sig < 0.05 {
		if slope > 0 {
			dir = TrendUp
		} else if slope < 0 {
			dir = TrendDown
		}
	}
	return TrendResult{
		Direction:    dir,
		Slope:        slope,
		Intercept:    intercept,
		RSquared:     clampRange(r2, 0, 1),
		Significance: sig,
	}
}

// DetectChangePoints slides paired windows across the series and reports an
// index when the mean shifts by more than 2 pooled sigma or the variance
// more than doubles.
func DetectChangePoints(data []float64, window int) []ChangePoint {
	if window < 2 {
		window = 2
	}
	n := len(data)
	if n < 2*window {
		return nil
	}
	var out []ChangePoint
	step := window / 2
	if step < 1 {
		step = 1
	}
	for i := window; i+window <= n; i += step {
		before := data[i-window : i]
		after := data[i : i+window]
		mb, sb := meanStdDev(before)
		ma, sa := meanStdDev(after)
		varB := sb * sb
		varA := sa * sa
		pooled := math.Sqrt((varB + varA) / 2)
		meanBreak := pooled > 0 && math.Abs(ma-mb) > 2*pooled
		varBreak := varB > 0 && math.Abs(varA-varB) > 2*varB
		if meanBreak || varBreak {
			out = append(out, ChangePoint{
				Index:      i,
				MeanBefore: mb,
				MeanAfter:  ma,
				VarBefore:  varB,
				VarAfter:   varA,
			})
			i += window - step // skip past the break to avoid duplicate reports
		}
	}
	return out
}

// Volatility is the estimator family computed over a price window. The
// range-based estimators are zero when highs/lows/opens are not supplied.
type Volatility struct {
	Historical  float64
	EWMA        float64
	Parkinson   float64
	GarmanKlass float64
	VolOfVol    float64
	Ratio       float64
}

// ComputeVolatility estimates volatility per the RiskMetrics conventions:
// historical stddev of log returns, EWMA with lambda=0.94, Parkinson and
// Garman-Klass when OHLC data exists, vol-of-vol over rolling windows, and
// the EWMA/historical ratio as a regime indicator.
func (k *Kernel) ComputeVolatility(marketID string, prices, highs, lows, opens []float64) Volatility {
	var v Volatility
	rets := logReturns(prices)
	if len(rets) < 2 {
		return v
	}
	_, sd := meanStdDev(rets)
	v.Historical = sd

	const lambda = 0.94
	varEwma := rets[0] * rets[0]
	for _, r := range rets[1:] {
		varEwma = lambda*varEwma + (1-lambda)*r*r
	}
	v.EWMA = math.Sqrt(varEwma)

	if len(highs) == len(lows) && len(highs) > 0 {
		var sum float64
		cnt := 0
		for i := range highs {
			if highs[i] <= 0 || lows[i] <= 0 || highs[i] < lows[i] {
				continue
			}
			hl := math.Log(highs[i] / lows[i])
			sum += hl * hl
			cnt++
		}
		if cnt > 0 {
			v.Parkinson = math.Sqrt(sum / (4 * math.Ln2 * float64(cnt)))
		}
		if len(opens) == len(highs) && len(prices) >= len(highs) {
			var gk float64
			gkCnt := 0
			closes := prices[len(prices)-len(highs):]
			for i := range highs {
				if highs[i] <= 0 || lows[i] <= 0 || opens[i] <= 0 || closes[i] <= 0 {
					continue
				}
				hl := math.Log(highs[i] / lows[i])
				co := math.Log(closes[i] / opens[i])
				term := 0.5*hl*hl - (2*math.Ln2-1)*co*co
				if term > 0 {
					gk += term
					gkCnt++
				}
			}
			if gkCnt > 0 {
				v.GarmanKlass = math.Sqrt(gk / float64(gkCnt))
			}
		}
	}

	// Vol-of-vol: stddev of rolling-window historical vols.
	const win = 10
	if len(rets) >= 2*win {
		var vols []float64
		for i := 0; i+win <= len(rets); i += win / 2 {
			_, wsd := meanStdDev(rets[i : i+win])
			vols = append(vols, wsd)
		}
		if len(vols) >= 2 {
			_, v.VolOfVol = meanStdDev(vols)
		}
	}

	if v.Historical > 0 {
		v.Ratio = v.EWMA / v.Historical
	}
	return v
}

func logReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}
