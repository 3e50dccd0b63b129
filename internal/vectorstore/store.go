// Package vectorstore defines the vector-side projection of the pipeline
// artifacts. Points carry the same cross-reference identifiers the graph
// store keys on, plus denormalized payload so filtered queries need no join.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// ErrNotFound is returned by point reads when no point matches.
var ErrNotFound = errors.New("vectorstore: not found")

// Point is one stored vector with its payload.
type Point struct {
	ID      int64          `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Scored is a query result with its cosine similarity.
type Scored struct {
	Point *Point  `json:"point"`
	Score float64 `json:"score"`
}

// Filter restricts a nearest-neighbor query by payload equality. A nil or
// empty filter matches everything.
type Filter map[string]string

// Store is the vector store interface consumed by the loader, the verifier,
// and the read API.
type Store interface {
	EnsureSchema(ctx context.Context, dimension int) error
	UpsertPoint(ctx context.Context, point *Point) error
	QueryNearest(ctx context.Context, vector []float32, k int, filter Filter) ([]*Scored, error)
	Retrieve(ctx context.Context, ids []int64) ([]*Point, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// PointID derives the stable integer ID for a chunk from the first 8 bytes
// of sha256(chunk_id), masked to 63 bits so it fits a signed bigint.
func PointID(chunkID string) int64 {
	sum := sha256.Sum256([]byte(chunkID))
	id := binary.BigEndian.Uint64(sum[:8])
	return int64(id & 0x7FFFFFFFFFFFFFFF)
}
