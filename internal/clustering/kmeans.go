// Package clustering groups paper embeddings with a deterministic k-means and
// carries cluster identity across runs.
package clustering

import (
	"math"
	"sort"
)

// Item is one embedded paper.
type Item struct {
	ID     string
	Vector []float64
	Tags   []string
}

// Group is one k-means cluster; MemberIDs are sorted.
type Group struct {
	Centroid  []float64
	MemberIDs []string
	Label     string
}

// KMeans clusters items into at most k groups using cosine similarity.
// Results depend only on the input set, never on input order.
func KMeans(items []Item, k, maxIterations int) []Group {
	n := len(items)
	if n == 0 || k <= 0 {
		return nil
	}
	if k > n {
		k = n
	}
	if maxIterations <= 0 {
		maxIterations = 1
	}

	sorted := make([]Item, n)
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	vectors := make([][]float64, n)
	for i, it := range sorted {
		vectors[i] = normalize(it.Vector)
	}

	centroids := farthestPointInit(vectors, k)
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best := nearest(v, centroids)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		centroids = recompute(vectors, assign, centroids)
	}

	groups := make([]Group, len(centroids))
	for i := range groups {
		groups[i].Centroid = centroids[i]
	}
	for i, c := range assign {
		groups[c].MemberIDs = append(groups[c].MemberIDs, sorted[i].ID)
	}

	tagsByID := make(map[string][]string, n)
	for _, it := range sorted {
		tagsByID[it.ID] = it.Tags
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		if len(g.MemberIDs) == 0 {
			continue
		}
		g.Label = Label(g.MemberIDs, tagsByID)
		out = append(out, g)
	}
	return out
}

// farthestPointInit seeds the first centroid with the lexicographically first item
// and each next one with the item farthest from every chosen centroid.
func farthestPointInit(vectors [][]float64, k int) [][]float64 {
	centroids := [][]float64{clone(vectors[0])}
	chosen := map[int]bool{0: true}
	minDist := make([]float64, len(vectors))
	for i, v := range vectors {
		minDist[i] = 1 - Cosine(v, vectors[0])
	}

	for len(centroids) < k {
		pick, far := -1, -1.0
		for i := range vectors {
			if chosen[i] {
				continue
			}
			if minDist[i] > far {
				pick, far = i, minDist[i]
			}
		}
		if pick < 0 {
			break
		}
		chosen[pick] = true
		centroids = append(centroids, clone(vectors[pick]))
		for i, v := range vectors {
			if d := 1 - Cosine(v, vectors[pick]); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return centroids
}

func nearest(v []float64, centroids [][]float64) int {
	best, bestSim := 0, math.Inf(-1)
	for c, centroid := range centroids {
		if sim := Cosine(v, centroid); sim > bestSim {
			best, bestSim = c, sim
		}
	}
	return best
}

func recompute(vectors [][]float64, assign []int, prev [][]float64) [][]float64 {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	sums := make([][]float64, len(prev))
	counts := make([]int, len(prev))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, v := range vectors {
		c := assign[i]
		counts[c]++
		for d := 0; d < dim && d < len(v); d++ {
			sums[c][d] += v[d]
		}
	}
	next := make([][]float64, len(prev))
	for c := range sums {
		if counts[c] == 0 {
			next[c] = prev[c]
			continue
		}
		next[c] = normalize(sums[c])
	}
	return next
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero vector.
func Cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := 0; i < len(a) && i < len(b); i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	out := make([]float64, len(v))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
