// Package load materializes the pipeline artifacts into the two downstream
// stores. Both loaders key their writes with the same cross-reference
// identifiers so post-load verification can round-trip between them.
package load

import (
	"math"
	"time"

	"github.com/scrypster/loom/pkg/types"
)

// Artifacts bundles the completed stage outputs the loaders consume.
type Artifacts struct {
	Chats        []*types.Chat
	Messages     []*types.Message
	Chunks       []*types.Chunk
	Embeddings   []*types.Embedding
	Assignments  []*types.ClusterAssignment
	Tags         []*types.Tag
	Summaries    []*types.Summary
	Positions    []*types.Position
	Similarities []*types.Similarity
}

// RunID returns the clustering run the assignments belong to, or empty when
// no clustering has happened yet. All assignments in one artifact file carry
// the same run.
func (a *Artifacts) RunID() string {
	if len(a.Assignments) == 0 {
		return ""
	}
	return a.Assignments[0].RunID
}

// Stats counts one loader's record-level outcomes. Failures are records that
// exhausted their retries; they never abort the batch.
type Stats struct {
	Loaded  int           `json:"loaded"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
}

// backoffDelay returns the exponential delay before retry attempt n (0-based).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}
