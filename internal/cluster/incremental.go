package cluster

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/scrypster/loom/pkg/types"
)

// Incremental merges previously clustered embeddings with a fresh batch by
// reclustering the full union. Labels from earlier runs are discarded; every
// embedding, old and new, is relabeled by the same run.
type Incremental struct {
	engine    Engine
	threshold int // minimum valid points before the engine is invoked
}

// NewIncremental creates a merger. threshold normally matches the engine's
// minimum cluster size.
func NewIncremental(engine Engine, threshold int) *Incremental {
	if threshold < 2 {
		threshold = 2
	}
	return &Incremental{engine: engine, threshold: threshold}
}

// Merge reclusters the union of existing and fresh embeddings and returns one
// assignment per input, in input order (existing first), plus the run ID that
// scopes the labels. Zero-vector sentinels are excluded from the distance
// math and always land on the noise label.
func (c *Incremental) Merge(existing, fresh []*types.Embedding) ([]*types.ClusterAssignment, string, error) {
	union := make([]*types.Embedding, 0, len(existing)+len(fresh))
	union = append(union, existing...)
	union = append(union, fresh...)

	runID := uuid.NewString()
	assignments := make([]*types.ClusterAssignment, len(union))
	for i, e := range union {
		assignments[i] = &types.ClusterAssignment{
			ChunkID: e.ChunkID,
			Label:   types.NoiseLabel,
			RunID:   runID,
		}
	}

	var validIdx []int
	for i, e := range union {
		if !e.IsZero() {
			validIdx = append(validIdx, i)
		}
	}

	switch {
	case len(validIdx) == 0:
		// Nothing to cluster; sentinels stay on noise at the origin.

	case len(validIdx) < 2:
		// A lone point is its own cluster; no collaborator call.
		assignments[validIdx[0]].Label = 0

	case len(validIdx) < c.threshold:
		// Too few points for density clustering; one cluster on a
		// deterministic grid so the layout stays stable across runs.
		gridPlace(assignments, validIdx)

	default:
		if err := c.engineAssign(assignments, union, validIdx); err != nil {
			return nil, "", err
		}
	}

	if len(assignments) != len(existing)+len(fresh) {
		return nil, "", fmt.Errorf("cluster: merge produced %d assignments for %d inputs",
			len(assignments), len(existing)+len(fresh))
	}

	log.Debug("cluster: merge complete",
		"run", runID, "total", len(union), "valid", len(validIdx),
		"existing", len(existing), "fresh", len(fresh))
	return assignments, runID, nil
}

func (c *Incremental) engineAssign(assignments []*types.ClusterAssignment, union []*types.Embedding, validIdx []int) error {
	vectors := make([][]float32, len(validIdx))
	for i, idx := range validIdx {
		vectors[i] = union[idx].Vector
	}

	labels, err := c.engine.Cluster(vectors)
	if err != nil {
		return fmt.Errorf("cluster: engine failed to cluster %d vectors: %w", len(vectors), err)
	}
	if len(labels) != len(vectors) {
		return fmt.Errorf("cluster: engine returned %d labels for %d vectors", len(labels), len(vectors))
	}

	coords, err := c.engine.Reduce2D(vectors)
	if err != nil {
		return fmt.Errorf("cluster: engine failed to reduce %d vectors: %w", len(vectors), err)
	}
	if len(coords) != len(vectors) {
		return fmt.Errorf("cluster: engine returned %d coordinates for %d vectors", len(coords), len(vectors))
	}

	for i, idx := range validIdx {
		assignments[idx].Label = labels[i]
		assignments[idx].X = coords[i][0]
		assignments[idx].Y = coords[i][1]
	}
	return nil
}

// gridPlace places the valid points on a unit grid in index order and puts
// them all in cluster 0.
func gridPlace(assignments []*types.ClusterAssignment, validIdx []int) {
	cols := 1
	for cols*cols < len(validIdx) {
		cols++
	}
	for i, idx := range validIdx {
		assignments[idx].Label = 0
		assignments[idx].X = float64(i % cols)
		assignments[idx].Y = float64(i / cols)
	}
}
