// Package embed turns chunks into embeddings through a bounded worker pool.
// Each chunk fails or succeeds independently: a collaborator failure on one
// item yields a zero-vector sentinel record instead of aborting the batch.
package embed

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/pkg/types"
)

// cacheSize bounds the in-process memoization cache. Keys are content hashes
// so identical chunk text never hits the collaborator twice in one process.
const cacheSize = 4096

// Batcher embeds chunks concurrently with rate limiting and memoization.
type Batcher struct {
	gen       llm.EmbeddingGenerator
	workers   int
	dimension int
	limiter   *rate.Limiter
	cache     *lru.Cache[string, []float32]
}

// Result carries the embeddings for one batch plus the count of items that
// degraded to sentinels.
type Result struct {
	Embeddings []*types.Embedding
	Failed     int
}

// NewBatcher creates a batcher. workers and rps fall back to safe values
// when non-positive. dimension sizes the sentinel vectors.
func NewBatcher(gen llm.EmbeddingGenerator, workers int, rps float64, dimension int) *Batcher {
	if workers <= 0 {
		workers = 4
	}
	if rps <= 0 {
		rps = 8
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &Batcher{
		gen:       gen,
		workers:   workers,
		dimension: dimension,
		limiter:   rate.NewLimiter(rate.Limit(rps), workers),
		cache:     cache,
	}
}

// EmbedAll embeds every chunk and returns exactly one embedding per input, in
// input order. Context cancellation stops dispatch and returns the embeddings
// finished so far alongside the context error; chunks never dispatched are
// absent from the result rather than substituted.
func (b *Batcher) EmbedAll(ctx context.Context, chunks []*types.Chunk) (*Result, error) {
	type job struct {
		idx   int
		chunk *types.Chunk
	}

	out := make([]*types.Embedding, len(chunks))
	jobs := make(chan job)

	var wg sync.WaitGroup
	var failed int
	var failedMu sync.Mutex

	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				emb, ok := b.embedOne(ctx, j.chunk)
				if !ok {
					failedMu.Lock()
					failed++
					failedMu.Unlock()
				}
				out[j.idx] = emb
			}
		}()
	}

dispatch:
	for i, c := range chunks {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- job{idx: i, chunk: c}:
		}
	}
	close(jobs)
	wg.Wait()

	res := &Result{Failed: failed}
	for _, e := range out {
		if e != nil {
			res.Embeddings = append(res.Embeddings, e)
		}
	}
	// Completed embeddings survive cancellation; the caller persists what is
	// here and propagates the error for the chunks never dispatched.
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// embedOne embeds a single chunk. The second return is false when the
// collaborator failed and a sentinel was substituted.
func (b *Batcher) embedOne(ctx context.Context, chunk *types.Chunk) (*types.Embedding, bool) {
	contentKey := hash.Text(chunk.Content)
	if vec, ok := b.cache.Get(contentKey); ok {
		return b.record(chunk, vec, false), true
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return b.sentinel(chunk), false
	}

	vec, err := b.gen.Embed(ctx, chunk.Content)
	if err != nil || len(vec) == 0 {
		log.Warn("embed: collaborator failed, writing sentinel", "chunk", chunk.ChunkID, "err", err)
		return b.sentinel(chunk), false
	}

	b.cache.Add(contentKey, vec)
	return b.record(chunk, vec, false), true
}

func (b *Batcher) record(chunk *types.Chunk, vec []float32, sentinel bool) *types.Embedding {
	return &types.Embedding{
		ChunkID:    chunk.ChunkID,
		Vector:     vec,
		VectorHash: hash.Vector(vec),
		Model:      b.gen.GetModel(),
		Sentinel:   sentinel,
	}
}

// sentinel produces the zero-vector stand-in for a failed item. It keeps the
// one-embedding-per-chunk shape so downstream stages never see gaps.
func (b *Batcher) sentinel(chunk *types.Chunk) *types.Embedding {
	dim := b.dimension
	if dim <= 0 {
		dim = 768
	}
	return b.record(chunk, make([]float32, dim), true)
}
