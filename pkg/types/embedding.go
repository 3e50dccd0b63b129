package types

import "fmt"

// Embedding is a vector tied to a chunk. Once written it is never mutated:
// re-embedding produces a new Embedding for the same chunk ID which supersedes
// the old one through the artifact store's last-wins dedup, not by altering
// history.
type Embedding struct {
	ChunkID    string    `json:"chunk_id"`
	Vector     []float32 `json:"vector"`
	VectorHash string    `json:"vector_hash"` // sha256 of the vector bytes
	Model      string    `json:"model"`       // Embedding model that produced the vector
	Sentinel   bool      `json:"sentinel,omitempty"` // True when the vector is a zero-vector failure fallback
}

// Identity returns the dedup key used by the artifact store. Embeddings dedupe
// by chunk ID: the latest vector for a chunk wins.
func (e *Embedding) Identity() string { return e.ChunkID }

// Validate checks the embedding at the stage boundary.
func (e *Embedding) Validate() error {
	if e.ChunkID == "" {
		return fmt.Errorf("%w: embedding has empty chunk_id", ErrInvalidRecord)
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("%w: embedding for chunk %s has empty vector", ErrInvalidRecord, e.ChunkID)
	}
	if e.VectorHash == "" {
		return fmt.Errorf("%w: embedding for chunk %s has empty vector_hash", ErrInvalidRecord, e.ChunkID)
	}
	return nil
}

// IsZero reports whether every component of the vector is zero. Zero vectors
// are the sentinel substituted when the embedding collaborator fails on a
// single item; they are excluded from clustering distance math.
func (e *Embedding) IsZero() bool {
	for _, v := range e.Vector {
		if v != 0 {
			return false
		}
	}
	return true
}
