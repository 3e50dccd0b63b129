package load

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/internal/vectorstore"
)

// VerifyReport is the outcome of one cross-reference check. A rate below the
// threshold is an observability signal, never a hard failure: partial loads
// and eventual consistency make occasional misses expected.
type VerifyReport struct {
	Sampled     int           `json:"sampled"`
	Matched     int           `json:"matched"`
	Rate        float64       `json:"rate"`
	Threshold   float64       `json:"threshold"`
	BelowTarget bool          `json:"below_target"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Verifier checks that the two stores cross-reference cleanly after a load:
// sampled graph chunk nodes must resolve to vector points carrying the same
// chunk_id, and sampled vector points must resolve back to graph nodes.
type Verifier struct {
	graph      graphstore.Store
	vectors    vectorstore.Store
	sampleSize int
	threshold  float64
}

// NewVerifier creates a verifier. sampleSize and threshold fall back to
// 50 and 0.95 when non-positive.
func NewVerifier(graph graphstore.Store, vectors vectorstore.Store, sampleSize int, threshold float64) *Verifier {
	if sampleSize <= 0 {
		sampleSize = 50
	}
	if threshold <= 0 {
		threshold = 0.95
	}
	return &Verifier{graph: graph, vectors: vectors, sampleSize: sampleSize, threshold: threshold}
}

// Verify samples chunk nodes and checks the round trip in both directions.
// Sentinel-only chunks have graph nodes but no vector points; callers pass
// their IDs in skip so they do not count as misses.
func (v *Verifier) Verify(ctx context.Context, skip map[string]bool) (*VerifyReport, error) {
	start := time.Now()
	report := &VerifyReport{Threshold: v.threshold}

	nodes, err := v.graph.SampleNodes(ctx, graphstore.LabelChunk, v.sampleSize)
	if err != nil {
		return nil, fmt.Errorf("load: verification could not sample graph nodes: %w", err)
	}

	for _, node := range nodes {
		if skip[node.Key] {
			continue
		}
		report.Sampled++
		if v.roundTrip(ctx, node.Key) {
			report.Matched++
		} else {
			log.Debug("load: cross-reference miss", "chunk", node.Key)
		}
	}

	if report.Sampled == 0 {
		report.Rate = 1.0
	} else {
		report.Rate = float64(report.Matched) / float64(report.Sampled)
	}
	report.BelowTarget = report.Rate < v.threshold
	report.Elapsed = time.Since(start)

	if report.BelowTarget {
		log.Warn("load: cross-reference rate below threshold",
			"rate", report.Rate, "threshold", v.threshold,
			"matched", report.Matched, "sampled", report.Sampled)
	} else {
		log.Info("load: cross-reference check passed",
			"rate", report.Rate, "matched", report.Matched, "sampled", report.Sampled)
	}
	return report, nil
}

// roundTrip follows graph chunk -> vector point -> chunk_id payload -> graph
// node and confirms both directions agree on the key.
func (v *Verifier) roundTrip(ctx context.Context, chunkID string) bool {
	points, err := v.vectors.Retrieve(ctx, []int64{vectorstore.PointID(chunkID)})
	if err != nil || len(points) == 0 {
		return false
	}

	payloadID, _ := points[0].Payload["chunk_id"].(string)
	if payloadID != chunkID {
		return false
	}

	if _, err := v.graph.GetNode(ctx, graphstore.LabelChunk, payloadID); err != nil {
		return false
	}
	return true
}
