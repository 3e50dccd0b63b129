package load

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/internal/vectorstore"
	"github.com/scrypster/loom/pkg/types"
)

// fakeGraph is an in-memory graphstore.Store.
type fakeGraph struct {
	nodes     map[string]*graphstore.Node // "label:key"
	edges     map[string]map[string]any   // "type|from|to"
	failNodes map[string]int              // remaining failures per node key
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		nodes:     make(map[string]*graphstore.Node),
		edges:     make(map[string]map[string]any),
		failNodes: make(map[string]int),
	}
}

func (f *fakeGraph) UpsertNode(ctx context.Context, label, key string, props map[string]any) error {
	if n := f.failNodes[key]; n > 0 {
		f.failNodes[key] = n - 1
		return errors.New("transient write failure")
	}
	f.nodes[label+":"+key] = &graphstore.Node{Label: label, Key: key, Props: props}
	return nil
}

func (f *fakeGraph) UpsertEdge(ctx context.Context, typ string, from, to graphstore.Ref, props map[string]any) error {
	f.edges[typ+"|"+from.Key+"|"+to.Key] = props
	return nil
}

func (f *fakeGraph) GetNode(ctx context.Context, label, key string) (*graphstore.Node, error) {
	n, ok := f.nodes[label+":"+key]
	if !ok {
		return nil, graphstore.ErrNotFound
	}
	return n, nil
}

func (f *fakeGraph) CountNodes(ctx context.Context, label string) (int, error) {
	var n int
	for k := range f.nodes {
		if strings.HasPrefix(k, label+":") {
			n++
		}
	}
	return n, nil
}

func (f *fakeGraph) SampleNodes(ctx context.Context, label string, n int) ([]*graphstore.Node, error) {
	var out []*graphstore.Node
	for k, node := range f.nodes {
		if strings.HasPrefix(k, label+":") && len(out) < n {
			out = append(out, node)
		}
	}
	return out, nil
}

func (f *fakeGraph) Neighbors(ctx context.Context, typ string, from graphstore.Ref) ([]*graphstore.Node, error) {
	return nil, nil
}

func (f *fakeGraph) NodesByLabel(ctx context.Context, label string, limit int) ([]*graphstore.Node, error) {
	return f.SampleNodes(ctx, label, limit)
}

func (f *fakeGraph) PruneNodes(ctx context.Context, label, keepPrefix string) (int, error) {
	var removed int
	for k := range f.nodes {
		if strings.HasPrefix(k, label+":") && !strings.HasPrefix(k, label+":"+keepPrefix) {
			delete(f.nodes, k)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeGraph) Close() error { return nil }

// fakeVector is an in-memory vectorstore.Store.
type fakeVector struct {
	points   map[int64]*vectorstore.Point
	failNext int
}

func newFakeVector() *fakeVector {
	return &fakeVector{points: make(map[int64]*vectorstore.Point)}
}

func (f *fakeVector) EnsureSchema(ctx context.Context, dimension int) error { return nil }

func (f *fakeVector) UpsertPoint(ctx context.Context, point *vectorstore.Point) error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("transient upsert failure")
	}
	f.points[point.ID] = point
	return nil
}

func (f *fakeVector) QueryNearest(ctx context.Context, vector []float32, k int, filter vectorstore.Filter) ([]*vectorstore.Scored, error) {
	return nil, nil
}

func (f *fakeVector) Retrieve(ctx context.Context, ids []int64) ([]*vectorstore.Point, error) {
	var out []*vectorstore.Point
	for _, id := range ids {
		if p, ok := f.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeVector) Count(ctx context.Context) (int, error) { return len(f.points), nil }
func (f *fakeVector) Close() error                           { return nil }

func testArtifacts() *Artifacts {
	chat := &types.Chat{ChatID: "chat1", Source: "flat", ChatHash: "chathash1", MessageCount: 1}
	msg := &types.Message{ChatID: "chat1", LocalID: "0", Role: "user", Content: "hello", MessageHash: "msghash1"}
	chunk := &types.Chunk{ChunkID: "chat1:0:0", ChatID: "chat1", MessageHash: "msghash1", Role: "user", Content: "hello", CharCount: 5, ChunkHash: "chunkhash1"}
	emb := &types.Embedding{ChunkID: "chat1:0:0", Vector: []float32{0.1, 0.2}, VectorHash: "vh1", Model: "m"}
	return &Artifacts{
		Chats:      []*types.Chat{chat},
		Messages:   []*types.Message{msg},
		Chunks:     []*types.Chunk{chunk},
		Embeddings: []*types.Embedding{emb},
		Assignments: []*types.ClusterAssignment{
			{ChunkID: "chat1:0:0", Label: 0, RunID: "run1", X: 1, Y: 2},
		},
		Tags: []*types.Tag{
			{Scope: types.TagScopeMessage, Ref: "msghash1", Name: "programming", Domain: "technology", Confidence: 0.8, TagHash: "th1"},
		},
		Summaries: []*types.Summary{
			{Label: 0, RunID: "run1", Title: "Greetings", Summary: "Hello exchanges.", SummaryHash: "sh1"},
		},
		Positions: []*types.Position{
			{ChatHash: "chathash1", X: 3, Y: 4, RunID: "run1"},
		},
	}
}

func TestGraphLoaderLoadsAllEntities(t *testing.T) {
	g := newFakeGraph()
	l := NewGraphLoader(g, 2, time.Millisecond)

	stats, err := l.Load(context.Background(), testArtifacts())
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)

	_, err = g.GetNode(context.Background(), graphstore.LabelChat, "chathash1")
	assert.NoError(t, err)
	_, err = g.GetNode(context.Background(), graphstore.LabelMessage, "msghash1")
	assert.NoError(t, err)
	_, err = g.GetNode(context.Background(), graphstore.LabelChunk, "chat1:0:0")
	assert.NoError(t, err)

	cluster, err := g.GetNode(context.Background(), graphstore.LabelCluster, "run1:0")
	require.NoError(t, err)
	assert.Equal(t, "Greetings", cluster.Props["title"], "summary is denormalized onto the cluster node")

	chatNode, err := g.GetNode(context.Background(), graphstore.LabelChat, "chathash1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, chatNode.Props["x"], "layout position lands on the chat node")

	assert.Contains(t, g.edges, "CONTAINS|chathash1|msghash1")
	assert.Contains(t, g.edges, "CHUNK_OF|chat1:0:0|msghash1")
	assert.Contains(t, g.edges, "IN_CLUSTER|chat1:0:0|run1:0")
	assert.Contains(t, g.edges, "TAGGED|msghash1|technology:programming")
}

func TestGraphLoaderPrunesStaleClusters(t *testing.T) {
	g := newFakeGraph()
	require.NoError(t, g.UpsertNode(context.Background(), graphstore.LabelCluster, "oldrun:0", nil))

	l := NewGraphLoader(g, 1, time.Millisecond)
	_, err := l.Load(context.Background(), testArtifacts())
	require.NoError(t, err)

	_, err = g.GetNode(context.Background(), graphstore.LabelCluster, "oldrun:0")
	assert.ErrorIs(t, err, graphstore.ErrNotFound)
	_, err = g.GetNode(context.Background(), graphstore.LabelCluster, "run1:0")
	assert.NoError(t, err)
}

func TestGraphLoaderRetriesTransientFailures(t *testing.T) {
	g := newFakeGraph()
	g.failNodes["chathash1"] = 1 // fail once, then succeed

	l := NewGraphLoader(g, 3, time.Millisecond)
	stats, err := l.Load(context.Background(), testArtifacts())
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)

	_, err = g.GetNode(context.Background(), graphstore.LabelChat, "chathash1")
	assert.NoError(t, err)
}

func TestGraphLoaderCountsExhaustedRetries(t *testing.T) {
	g := newFakeGraph()
	g.failNodes["chathash1"] = 10 // more failures than attempts

	l := NewGraphLoader(g, 2, time.Millisecond)
	stats, err := l.Load(context.Background(), testArtifacts())
	require.NoError(t, err, "one bad record must not abort the batch")
	assert.Equal(t, 1, stats.Failed)
	assert.Greater(t, stats.Loaded, 0)
}

func TestVectorLoaderSkipsSentinels(t *testing.T) {
	arts := testArtifacts()
	arts.Chunks = append(arts.Chunks, &types.Chunk{
		ChunkID: "chat1:1:0", ChatID: "chat1", MessageHash: "msghash2",
		Role: "user", Content: "failed one", CharCount: 10, ChunkHash: "chunkhash2",
	})
	arts.Embeddings = append(arts.Embeddings, &types.Embedding{
		ChunkID: "chat1:1:0", Vector: make([]float32, 2), VectorHash: "vh2", Model: "m", Sentinel: true,
	})

	v := newFakeVector()
	l := NewVectorLoader(v, 2, time.Millisecond)
	stats, err := l.Load(context.Background(), arts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Loaded)
	assert.Zero(t, stats.Failed)

	n, _ := v.Count(context.Background())
	assert.Equal(t, 1, n)
}

func TestVectorLoaderPayloadKeying(t *testing.T) {
	v := newFakeVector()
	l := NewVectorLoader(v, 1, time.Millisecond)
	_, err := l.Load(context.Background(), testArtifacts())
	require.NoError(t, err)

	points, err := v.Retrieve(context.Background(), []int64{vectorstore.PointID("chat1:0:0")})
	require.NoError(t, err)
	require.Len(t, points, 1)

	payload := points[0].Payload
	assert.Equal(t, "chat1:0:0", payload["chunk_id"])
	assert.Equal(t, "msghash1", payload["message_hash"])
	assert.Equal(t, "run1:0", payload["cluster"])
	assert.Equal(t, "technology", payload["domain"])
	assert.Equal(t, []string{"programming"}, payload["tags"])
}

func TestVerifierFullMatch(t *testing.T) {
	g := newFakeGraph()
	v := newFakeVector()

	_, err := NewGraphLoader(g, 1, time.Millisecond).Load(context.Background(), testArtifacts())
	require.NoError(t, err)
	_, err = NewVectorLoader(v, 1, time.Millisecond).Load(context.Background(), testArtifacts())
	require.NoError(t, err)

	report, err := NewVerifier(g, v, 10, 0.95).Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sampled)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1.0, report.Rate)
	assert.False(t, report.BelowTarget)
}

func TestVerifierBelowThreshold(t *testing.T) {
	g := newFakeGraph()
	v := newFakeVector()
	ctx := context.Background()

	// Ten chunk nodes in the graph, only six with vector points.
	for i := 0; i < 10; i++ {
		chunkID := fmt.Sprintf("chat1:%d:0", i)
		require.NoError(t, g.UpsertNode(ctx, graphstore.LabelChunk, chunkID, nil))
		if i < 6 {
			require.NoError(t, v.UpsertPoint(ctx, &vectorstore.Point{
				ID:      vectorstore.PointID(chunkID),
				Vector:  []float32{1},
				Payload: map[string]any{"chunk_id": chunkID},
			}))
		}
	}

	report, err := NewVerifier(g, v, 10, 0.95).Verify(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Sampled)
	assert.Equal(t, 6, report.Matched)
	assert.InDelta(t, 0.6, report.Rate, 1e-9)
	assert.True(t, report.BelowTarget)
}

func TestVerifierSkipsSentinelChunks(t *testing.T) {
	g := newFakeGraph()
	v := newFakeVector()
	ctx := context.Background()

	require.NoError(t, g.UpsertNode(ctx, graphstore.LabelChunk, "good", nil))
	require.NoError(t, g.UpsertNode(ctx, graphstore.LabelChunk, "sentinel-only", nil))
	require.NoError(t, v.UpsertPoint(ctx, &vectorstore.Point{
		ID:      vectorstore.PointID("good"),
		Vector:  []float32{1},
		Payload: map[string]any{"chunk_id": "good"},
	}))

	report, err := NewVerifier(g, v, 10, 0.95).Verify(ctx, map[string]bool{"sentinel-only": true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sampled)
	assert.Equal(t, 1.0, report.Rate)
}

func TestVerifierDetectsPayloadMismatch(t *testing.T) {
	g := newFakeGraph()
	v := newFakeVector()
	ctx := context.Background()

	require.NoError(t, g.UpsertNode(ctx, graphstore.LabelChunk, "c:1:0", nil))
	require.NoError(t, v.UpsertPoint(ctx, &vectorstore.Point{
		ID:      vectorstore.PointID("c:1:0"),
		Vector:  []float32{1},
		Payload: map[string]any{"chunk_id": "something-else"},
	}))

	report, err := NewVerifier(g, v, 10, 0.95).Verify(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Matched)
}

func TestRetrierGivesUpAfterAttempts(t *testing.T) {
	r := newRetrier(3, time.Millisecond)
	var calls int
	err := r.do(context.Background(), "rec", func() error {
		calls++
		return errors.New("always fails")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRetrier(5, 10*time.Millisecond)
	var calls int
	err := r.do(ctx, "rec", func() error {
		calls++
		return errors.New("fails")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
