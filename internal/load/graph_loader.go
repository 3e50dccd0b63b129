package load

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/pkg/types"
)

// GraphLoader upserts the artifact entities into the graph store. Every
// write merges by key, so repeated loads of the same artifacts converge to
// the same graph.
type GraphLoader struct {
	store graphstore.Store
	retry *retrier
}

// NewGraphLoader creates a graph loader with record-level retry tuning.
func NewGraphLoader(store graphstore.Store, attempts int, base time.Duration) *GraphLoader {
	return &GraphLoader{store: store, retry: newRetrier(attempts, base)}
}

// Load writes all artifacts into the graph, then prunes cluster nodes from
// superseded runs. Failed records are counted, logged and skipped.
func (l *GraphLoader) Load(ctx context.Context, arts *Artifacts) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}

	positions := make(map[string]*types.Position, len(arts.Positions))
	for _, p := range arts.Positions {
		positions[p.ChatHash] = p
	}

	chatHashes := make(map[string]string, len(arts.Chats)) // chat_id -> chat_hash
	for _, c := range arts.Chats {
		chatHashes[c.ChatID] = c.ChatHash
		props := map[string]any{
			"chat_id":       c.ChatID,
			"title":         c.Title,
			"source":        c.Source,
			"message_count": c.MessageCount,
		}
		if p, ok := positions[c.ChatHash]; ok {
			props["x"] = p.X
			props["y"] = p.Y
			props["layout_run"] = p.RunID
		}
		l.upsertNode(ctx, stats, graphstore.LabelChat, c.ChatHash, props)
	}

	for _, m := range arts.Messages {
		l.upsertNode(ctx, stats, graphstore.LabelMessage, m.MessageHash, map[string]any{
			"chat_id":  m.ChatID,
			"local_id": m.LocalID,
			"role":     m.Role,
		})
		if chatHash := chatHashes[m.ChatID]; chatHash != "" {
			l.upsertEdge(ctx, stats, graphstore.EdgeContains,
				graphstore.Ref{Label: graphstore.LabelChat, Key: chatHash},
				graphstore.Ref{Label: graphstore.LabelMessage, Key: m.MessageHash}, nil)
		}
	}

	for _, c := range arts.Chunks {
		l.upsertNode(ctx, stats, graphstore.LabelChunk, c.ChunkID, map[string]any{
			"message_hash": c.MessageHash,
			"chat_id":      c.ChatID,
			"role":         c.Role,
			"char_count":   c.CharCount,
		})
		l.upsertEdge(ctx, stats, graphstore.EdgeChunkOf,
			graphstore.Ref{Label: graphstore.LabelChunk, Key: c.ChunkID},
			graphstore.Ref{Label: graphstore.LabelMessage, Key: c.MessageHash}, nil)
	}

	l.loadClusters(ctx, stats, arts)
	l.loadTags(ctx, stats, arts)
	l.loadSimilarities(ctx, stats, arts)

	// Cluster labels are only meaningful within the latest completed run;
	// nodes from earlier runs are stale projections, not history.
	if runID := arts.RunID(); runID != "" {
		if removed, err := l.store.PruneNodes(ctx, graphstore.LabelCluster, runID+":"); err != nil {
			log.Warn("load: failed to prune stale cluster nodes", "err", err)
		} else if removed > 0 {
			log.Info("load: pruned stale cluster nodes", "removed", removed, "run", runID)
		}
	}

	stats.Elapsed = time.Since(start)
	log.Info("load: graph load complete", "loaded", stats.Loaded, "failed", stats.Failed, "elapsed", stats.Elapsed)
	return stats, nil
}

func (l *GraphLoader) loadClusters(ctx context.Context, stats *Stats, arts *Artifacts) {
	summaries := make(map[string]*types.Summary, len(arts.Summaries))
	for _, s := range arts.Summaries {
		summaries[s.Identity()] = s
	}

	seen := make(map[string]bool)
	for _, a := range arts.Assignments {
		if a.Label == types.NoiseLabel {
			continue
		}
		clusterKey := fmt.Sprintf("%s:%d", a.RunID, a.Label)
		if !seen[clusterKey] {
			seen[clusterKey] = true
			props := map[string]any{"run_id": a.RunID, "label": a.Label}
			if s, ok := summaries[clusterKey]; ok {
				props["title"] = s.Title
				props["summary"] = s.Summary
				props["fallback"] = s.Fallback
			}
			l.upsertNode(ctx, stats, graphstore.LabelCluster, clusterKey, props)
		}
		l.upsertEdge(ctx, stats, graphstore.EdgeInCluster,
			graphstore.Ref{Label: graphstore.LabelChunk, Key: a.ChunkID},
			graphstore.Ref{Label: graphstore.LabelCluster, Key: clusterKey},
			map[string]any{"x": a.X, "y": a.Y})
	}
}

func (l *GraphLoader) loadTags(ctx context.Context, stats *Stats, arts *Artifacts) {
	seen := make(map[string]bool)
	for _, t := range arts.Tags {
		tagKey := t.Domain + ":" + t.Name
		if !seen[tagKey] {
			seen[tagKey] = true
			l.upsertNode(ctx, stats, graphstore.LabelTag, tagKey, map[string]any{
				"name":   t.Name,
				"domain": t.Domain,
			})
		}

		from := graphstore.Ref{Label: graphstore.LabelMessage, Key: t.Ref}
		if t.Scope == types.TagScopeChat {
			from.Label = graphstore.LabelChat
		}
		l.upsertEdge(ctx, stats, graphstore.EdgeTagged, from,
			graphstore.Ref{Label: graphstore.LabelTag, Key: tagKey},
			map[string]any{"confidence": t.Confidence})
	}
}

func (l *GraphLoader) loadSimilarities(ctx context.Context, stats *Stats, arts *Artifacts) {
	for _, s := range arts.Similarities {
		l.upsertEdge(ctx, stats, graphstore.EdgeSimilarTo,
			graphstore.Ref{Label: graphstore.LabelChat, Key: s.ChatHash},
			graphstore.Ref{Label: graphstore.LabelChat, Key: s.OtherHash},
			map[string]any{"score": s.Score})
	}
}

func (l *GraphLoader) upsertNode(ctx context.Context, stats *Stats, label, key string, props map[string]any) {
	err := l.retry.do(ctx, label+":"+key, func() error {
		return l.store.UpsertNode(ctx, label, key, props)
	})
	if err != nil {
		stats.Failed++
		log.Warn("load: node upsert failed after retries", "label", label, "key", key, "err", err)
		return
	}
	stats.Loaded++
}

func (l *GraphLoader) upsertEdge(ctx context.Context, stats *Stats, typ string, from, to graphstore.Ref, props map[string]any) {
	err := l.retry.do(ctx, typ, func() error {
		return l.store.UpsertEdge(ctx, typ, from, to, props)
	})
	if err != nil {
		stats.Failed++
		log.Warn("load: edge upsert failed after retries", "type", typ, "from", from.Key, "to", to.Key, "err", err)
		return
	}
	stats.Loaded++
}
