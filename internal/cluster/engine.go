// Package cluster holds the clustering collaborator boundary and the
// incremental merge that keeps assignments consistent across runs. The
// underlying algorithm has no notion of appending a point, so every run
// reclusters the full vector set and labels are only meaningful within
// one completed run.
package cluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Engine is the clustering collaborator. Cluster assigns an integer label per
// vector with -1 meaning noise; Reduce2D projects vectors to layout
// coordinates. Both take the full vector set.
type Engine interface {
	Cluster(vectors [][]float32) ([]int, error)
	Reduce2D(vectors [][]float32) ([][2]float64, error)
}

// LocalEngine is a density-based in-process engine. Clustering is DBSCAN over
// cosine distance; Reduce2D is a PCA projection onto the first two principal
// components.
type LocalEngine struct {
	MinClusterSize int     // minimum neighborhood size to seed a cluster
	Epsilon        float64 // neighborhood radius in cosine distance
}

// NewLocalEngine creates an engine with fallbacks for non-positive tuning.
func NewLocalEngine(minClusterSize int, epsilon float64) *LocalEngine {
	if minClusterSize <= 0 {
		minClusterSize = 5
	}
	if epsilon <= 0 {
		epsilon = 0.25
	}
	return &LocalEngine{MinClusterSize: minClusterSize, Epsilon: epsilon}
}

var _ Engine = (*LocalEngine)(nil)

// Cluster labels the vectors with DBSCAN. Unreachable points get -1.
func (e *LocalEngine) Cluster(vectors [][]float32) ([]int, error) {
	n := len(vectors)
	if n == 0 {
		return nil, nil
	}

	pts := toFloat64(vectors)
	norms := make([]float64, n)
	for i, p := range pts {
		norms[i] = floats.Norm(p, 2)
	}

	const unvisited = -2
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := e.neighborsOf(pts, norms, i)
		if len(neighbors) < e.MinClusterSize {
			labels[i] = -1
			continue
		}

		label := next
		next++
		labels[i] = label

		// Expand the cluster through density-reachable points.
		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == -1 {
				labels[j] = label // border point claimed by this cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = label
			more := e.neighborsOf(pts, norms, j)
			if len(more) >= e.MinClusterSize {
				queue = append(queue, more...)
			}
		}
	}
	return labels, nil
}

// neighborsOf returns the indices within Epsilon cosine distance of i,
// including i itself.
func (e *LocalEngine) neighborsOf(pts [][]float64, norms []float64, i int) []int {
	var out []int
	for j := range pts {
		if cosineDistance(pts[i], pts[j], norms[i], norms[j]) <= e.Epsilon {
			out = append(out, j)
		}
	}
	return out
}

// Reduce2D projects the vectors onto their first two principal components.
// Degenerate inputs (fewer than two points, or rank below two) fall back to
// zero-filled coordinates rather than erroring.
func (e *LocalEngine) Reduce2D(vectors [][]float32) ([][2]float64, error) {
	n := len(vectors)
	if n == 0 {
		return nil, nil
	}
	coords := make([][2]float64, n)
	if n < 2 {
		return coords, nil
	}

	d := len(vectors[0])
	data := mat.NewDense(n, d, nil)
	for i, v := range vectors {
		if len(v) != d {
			return nil, fmt.Errorf("cluster: vector %d has dimension %d, want %d", i, len(v), d)
		}
		for j, x := range v {
			data.Set(i, j, float64(x))
		}
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return coords, nil
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	_, cols := vecs.Dims()

	var proj mat.Dense
	proj.Mul(data, vecs.Slice(0, d, 0, min(2, cols)))
	for i := 0; i < n; i++ {
		coords[i][0] = proj.At(i, 0)
		if cols > 1 {
			coords[i][1] = proj.At(i, 1)
		}
	}
	return coords, nil
}

func cosineDistance(a, b []float64, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 1
	}
	sim := floats.Dot(a, b) / (na * nb)
	if math.IsNaN(sim) {
		return 1
	}
	return 1 - sim
}

func toFloat64(vectors [][]float32) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		p := make([]float64, len(v))
		for j, x := range v {
			p[j] = float64(x)
		}
		out[i] = p
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
