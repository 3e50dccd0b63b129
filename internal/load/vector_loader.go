package load

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/vectorstore"
	"github.com/scrypster/loom/pkg/types"
)

// VectorLoader upserts one point per embedded chunk. Payloads carry the same
// cross-reference identifiers as the graph nodes plus denormalized content
// and tags so filtered searches need no join against the graph.
type VectorLoader struct {
	store vectorstore.Store
	retry *retrier
}

// NewVectorLoader creates a vector loader with record-level retry tuning.
func NewVectorLoader(store vectorstore.Store, attempts int, base time.Duration) *VectorLoader {
	return &VectorLoader{store: store, retry: newRetrier(attempts, base)}
}

// Load writes one point per non-sentinel embedding. Sentinel zero-vectors
// are skipped: they carry no semantic position and would pollute nearest
// neighbor results.
func (l *VectorLoader) Load(ctx context.Context, arts *Artifacts) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}

	chunks := make(map[string]*types.Chunk, len(arts.Chunks))
	for _, c := range arts.Chunks {
		chunks[c.ChunkID] = c
	}
	assignments := make(map[string]*types.ClusterAssignment, len(arts.Assignments))
	for _, a := range arts.Assignments {
		assignments[a.ChunkID] = a
	}
	messageTags := make(map[string][]*types.Tag)
	for _, t := range arts.Tags {
		if t.Scope == types.TagScopeMessage {
			messageTags[t.Ref] = append(messageTags[t.Ref], t)
		}
	}

	for _, e := range arts.Embeddings {
		if e.Sentinel || e.IsZero() {
			continue
		}
		chunk, ok := chunks[e.ChunkID]
		if !ok {
			stats.Failed++
			log.Warn("load: embedding references unknown chunk", "chunk", e.ChunkID)
			continue
		}

		point := l.buildPoint(chunk, e, assignments[e.ChunkID], messageTags[chunk.MessageHash])
		err := l.retry.do(ctx, e.ChunkID, func() error {
			return l.store.UpsertPoint(ctx, point)
		})
		if err != nil {
			stats.Failed++
			log.Warn("load: point upsert failed after retries", "chunk", e.ChunkID, "err", err)
			continue
		}
		stats.Loaded++
	}

	stats.Elapsed = time.Since(start)
	log.Info("load: vector load complete", "loaded", stats.Loaded, "failed", stats.Failed, "elapsed", stats.Elapsed)
	return stats, nil
}

func (l *VectorLoader) buildPoint(chunk *types.Chunk, e *types.Embedding, a *types.ClusterAssignment, tags []*types.Tag) *vectorstore.Point {
	payload := map[string]any{
		"chunk_id":     chunk.ChunkID,
		"chat_id":      chunk.ChatID,
		"message_hash": chunk.MessageHash,
		"role":         chunk.Role,
		"content":      chunk.Content,
		"vector_hash":  e.VectorHash,
		"model":        e.Model,
	}
	if a != nil && a.Label != types.NoiseLabel {
		payload["cluster"] = fmt.Sprintf("%s:%d", a.RunID, a.Label)
	}
	if len(tags) > 0 {
		names := make([]string, 0, len(tags))
		best := tags[0]
		for _, t := range tags {
			names = append(names, t.Name)
			if t.Confidence > best.Confidence {
				best = t
			}
		}
		payload["tags"] = names
		// Single flat key so payload equality filters work without arrays.
		payload["domain"] = best.Domain
	}

	return &vectorstore.Point{
		ID:      vectorstore.PointID(chunk.ChunkID),
		Vector:  e.Vector,
		Payload: payload,
	}
}
