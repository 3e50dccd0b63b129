package types

import "fmt"

// ClusterAssignment places one chunk in the 2D layout of a single clustering
// run. Assignments are recomputed wholesale on every incremental clustering
// run because cluster labels are not stable identifiers: a label is only
// meaningful within the run (RunID) that produced it. Consumers re-derive
// cluster membership from the latest artifact file, never from remembered
// labels.
type ClusterAssignment struct {
	ChunkID string  `json:"chunk_id"`
	Label   int     `json:"label"` // NoiseLabel (-1) means unclustered
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	RunID   string  `json:"run_id"` // Clustering run that produced the label
}

// Identity returns the dedup key used by the artifact store.
func (a *ClusterAssignment) Identity() string { return a.ChunkID }

// Validate checks the assignment at the stage boundary.
func (a *ClusterAssignment) Validate() error {
	if a.ChunkID == "" {
		return fmt.Errorf("%w: cluster assignment has empty chunk_id", ErrInvalidRecord)
	}
	if a.Label < NoiseLabel {
		return fmt.Errorf("%w: cluster assignment for %s has label %d below noise", ErrInvalidRecord, a.ChunkID, a.Label)
	}
	if a.RunID == "" {
		return fmt.Errorf("%w: cluster assignment for %s has empty run_id", ErrInvalidRecord, a.ChunkID)
	}
	return nil
}
