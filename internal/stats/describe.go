package stats

import (
	"math"
	"sort"
)

// Descriptive is the univariate summary returned by Statistics.
type Descriptive struct {
	Mean        float64
	StdDev      float64
	Variance    float64
	Skewness    float64
	Kurtosis    float64
	Median      float64
	P5          float64
	P95         float64
	N           int
	Significant bool
}

// Statistics summarizes a sample. Variance is the sample variance (n-1).
// Skewness is 0 when undefined (sigma=0 or n<3); kurtosis is reported on the
// normal=3 convention and pinned to 3 when n<4.
func (k *Kernel) Statistics(data []float64) Descriptive {
	n := len(data)
	if n == 0 {
		return Descriptive{Kurtosis: 3}
	}
	mean, sd := meanStdDev(data)
	d := Descriptive{
		Mean:        mean,
		StdDev:      sd,
		Variance:    sd * sd,
		Median:      Percentile(data, 50),
		P5:          Percentile(data, 5),
		P95:         Percentile(data, 95),
		N:           n,
		Significant: n >= k.minSample(),
		Kurtosis:    3,
	}
	if sd == 0 {
		return d
	}
	if n >= 3 {
		var s3 float64
		for _, x := range data {
			z := (x - mean) / sd
			s3 += z * z * z
		}
		d.Skewness = s3 / float64(n)
	}
	if n >= 4 {
		var s4 float64
		for _, x := range data {
			z := (x - mean) / sd
			s4 += z * z * z * z
		}
		d.Kurtosis = s4 / float64(n)
	}
	return d
}

func meanStdDev(data []float64) (float64, float64) {
	n := len(data)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range data {
		sum += x
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range data {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(n-1))
}

// Percentile returns the p-th percentile (0..100) by linear interpolation.
func Percentile(data []float64, p float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, data)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Correlation is the Pearson correlation of two equal-length samples; 0 when
// the inputs are too short or degenerate.
func Correlation(x, y []float64) float64 {
	n := len(x)
	if n < 2 || len(y) != n {
		return 0
	}
	mx, sx := meanStdDev(x)
	my, sy := meanStdDev(y)
	if sx == 0 || sy == 0 {
		return 0
	}
	var cov float64
	for i := 0; i < n; i++ {
		cov += (x[i] - mx) * (y[i] - my)
	}
	cov /= float64(n - 1)
	return clampRange(cov/(sx*sy), -1, 1)
}

// RankCorrelation is Spearman's rho: Pearson correlation of the ranks, with
// average ranks for ties.
func RankCorrelation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	return Correlation(ranks(x), ranks(y))
}

func ranks(data []float64) []float64 {
	n := len(data)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return data[idx[a]] < data[idx[b]] })
	out := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && data[idx[j+1]] == data[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for t := i; t <= j; t++ {
			out[idx[t]] = avg
		}
		i = j + 1
	}
	return out
}

// NormalCDF is the standard normal CDF via the Abramowitz-Stegun rational
// approximation (7.1.26), accurate to ~1e-7.
func NormalCDF(z float64) float64 {
	if z < 0 {
		return 1 - NormalCDF(-z)
	}
	const (
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
		p  = 0.2316419
	)
	t := 1 / (1 + p*z)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	pdf := math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
	return 1 - pdf*poly
}
