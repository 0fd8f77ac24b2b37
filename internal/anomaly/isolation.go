package anomaly

import (
	"math"
	"math/rand"
)

// Isolation forest per Liu et al.: random binary partitions, anomalies
// isolate in short paths. Fixed geometry: 100 trees, subsample 256, depth
// cap ceil(log2(256)) = 8.
const (
	forestTrees     = 100
	forestSubsample = 256
	forestMaxDepth  = 8
)

type isoNode struct {
	feature int
	split   float64
	left    *isoNode
	right   *isoNode
	size    int // leaf only
}

type isoForest struct {
	trees []*isoNode
	n     int
}

// buildForest trains on the sample rows (each a feature vector). Returns nil
// when there is not enough data to partition.
func buildForest(samples [][]float64, rng *rand.Rand) *isoForest {
	if len(samples) < 8 {
		return nil
	}
	sub := len(samples)
	if sub > forestSubsample {
		sub = forestSubsample
	}
	f := &isoForest{n: sub}
	for t := 0; t < forestTrees; t++ {
		idx := rng.Perm(len(samples))[:sub]
		pick := make([][]float64, sub)
		for i, j := range idx {
			pick[i] = samples[j]
		}
		f.trees = append(f.trees, buildTree(pick, 0, rng))
	}
	return f
}

func buildTree(rows [][]float64, depth int, rng *rand.Rand) *isoNode {
	if len(rows) <= 1 || depth >= forestMaxDepth {
		return &isoNode{size: len(rows)}
	}
	dims := len(rows[0])
	feature := rng.Intn(dims)
	lo, hi := rows[0][feature], rows[0][feature]
	for _, r := range rows[1:] {
		if r[feature] < lo {
			lo = r[feature]
		}
		if r[feature] > hi {
			hi = r[feature]
		}
	}
	if hi == lo {
		return &isoNode{size: len(rows)}
	}
	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(rows)}
	}
	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, rng),
		right:   buildTree(right, depth+1, rng),
	}
}

// score returns the anomaly score in (0,1); higher is more anomalous.
func (f *isoForest) score(x []float64) float64 {
	if f == nil || len(f.trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.trees))
	c := avgPathLength(f.n)
	if c <= 0 {
		return 0
	}
	return math.Pow(2, -avg/c)
}

func pathLength(node *isoNode, x []float64, depth int) float64 {
	if node.left == nil {
		// Unresolved leaf: add the expected extra depth for its size.
		return float64(depth) + avgPathLength(node.size)
	}
	if x[node.feature] < node.split {
		return pathLength(node.left, x, depth+1)
	}
	return pathLength(node.right, x, depth+1)
}

// avgPathLength is c(n) = 2*H(n-1) - 2(n-1)/n with H(i) ~ ln(i) + gamma.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	const euler = 0.5772156649
	h := math.Log(float64(n-1)) + euler
	return 2*h - 2*float64(n-1)/float64(n)
}
