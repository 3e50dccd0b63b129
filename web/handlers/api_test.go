package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/internal/vectorstore"
)

type fakeGraph struct {
	nodes     map[string]*graphstore.Node
	neighbors map[string][]*graphstore.Node
	err       error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		nodes:     make(map[string]*graphstore.Node),
		neighbors: make(map[string][]*graphstore.Node),
	}
}

func nodeKey(label, key string) string { return label + "|" + key }

func (g *fakeGraph) addNode(label, key string, props map[string]any) {
	g.nodes[nodeKey(label, key)] = &graphstore.Node{Label: label, Key: key, Props: props}
}

func (g *fakeGraph) UpsertNode(ctx context.Context, label, key string, props map[string]any) error {
	g.addNode(label, key, props)
	return nil
}

func (g *fakeGraph) UpsertEdge(ctx context.Context, typ string, from, to graphstore.Ref, props map[string]any) error {
	return nil
}

func (g *fakeGraph) GetNode(ctx context.Context, label, key string) (*graphstore.Node, error) {
	if g.err != nil {
		return nil, g.err
	}
	n, ok := g.nodes[nodeKey(label, key)]
	if !ok {
		return nil, graphstore.ErrNotFound
	}
	return n, nil
}

func (g *fakeGraph) CountNodes(ctx context.Context, label string) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	count := 0
	for _, n := range g.nodes {
		if n.Label == label {
			count++
		}
	}
	return count, nil
}

func (g *fakeGraph) SampleNodes(ctx context.Context, label string, n int) ([]*graphstore.Node, error) {
	return nil, nil
}

func (g *fakeGraph) Neighbors(ctx context.Context, typ string, from graphstore.Ref) ([]*graphstore.Node, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.neighbors[typ+"|"+nodeKey(from.Label, from.Key)], nil
}

func (g *fakeGraph) NodesByLabel(ctx context.Context, label string, limit int) ([]*graphstore.Node, error) {
	if g.err != nil {
		return nil, g.err
	}
	var out []*graphstore.Node
	for _, n := range g.nodes {
		if n.Label == label && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (g *fakeGraph) PruneNodes(ctx context.Context, label, keepPrefix string) (int, error) {
	return 0, nil
}

func (g *fakeGraph) Close() error { return nil }

type fakeVectors struct {
	count   int
	results []*vectorstore.Scored
	filter  vectorstore.Filter
	err     error
}

func (v *fakeVectors) EnsureSchema(ctx context.Context, dimension int) error { return nil }

func (v *fakeVectors) UpsertPoint(ctx context.Context, point *vectorstore.Point) error { return nil }

func (v *fakeVectors) QueryNearest(ctx context.Context, vector []float32, k int, filter vectorstore.Filter) ([]*vectorstore.Scored, error) {
	if v.err != nil {
		return nil, v.err
	}
	v.filter = filter
	if k < len(v.results) {
		return v.results[:k], nil
	}
	return v.results, nil
}

func (v *fakeVectors) Retrieve(ctx context.Context, ids []int64) ([]*vectorstore.Point, error) {
	return nil, nil
}

func (v *fakeVectors) Count(ctx context.Context) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	return v.count, nil
}

func (v *fakeVectors) Close() error { return nil }

type fakeEmbedder struct {
	err   error
	calls int
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

func (e *fakeEmbedder) GetModel() string { return "fake-embed" }

func newTestMux(h *APIHandlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", h.GetStats)
	mux.HandleFunc("GET /api/chats", h.ListChats)
	mux.HandleFunc("GET /api/chats/{key}/messages", h.GetChatMessages)
	mux.HandleFunc("GET /api/chats/{key}/similar", h.GetSimilarChats)
	mux.HandleFunc("GET /api/clusters", h.ListClusters)
	mux.HandleFunc("POST /api/search", h.Search)
	return mux
}

func TestGetStats(t *testing.T) {
	graph := newFakeGraph()
	graph.addNode(graphstore.LabelChat, "ch1", nil)
	graph.addNode(graphstore.LabelChat, "ch2", nil)
	graph.addNode(graphstore.LabelMessage, "m1", nil)
	graph.addNode(graphstore.LabelChunk, "c1", nil)
	graph.addNode(graphstore.LabelCluster, "run:0", nil)
	graph.addNode(graphstore.LabelTag, "technology:golang", nil)
	vectors := &fakeVectors{count: 7}

	mux := newTestMux(NewAPIHandlers(graph, vectors, nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Chats)
	assert.Equal(t, 1, resp.Messages)
	assert.Equal(t, 1, resp.Chunks)
	assert.Equal(t, 1, resp.Clusters)
	assert.Equal(t, 1, resp.Tags)
	assert.Equal(t, 7, resp.Vectors)
}

func TestGetStatsGraphError(t *testing.T) {
	graph := newFakeGraph()
	graph.err = fmt.Errorf("boom")

	mux := newTestMux(NewAPIHandlers(graph, &fakeVectors{}, nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListChats(t *testing.T) {
	graph := newFakeGraph()
	graph.addNode(graphstore.LabelChat, "ch1", map[string]any{"title": "First"})
	graph.addNode(graphstore.LabelChat, "ch2", map[string]any{"title": "Second"})

	mux := newTestMux(NewAPIHandlers(graph, nil, nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestGetChatMessagesOrdered(t *testing.T) {
	graph := newFakeGraph()
	graph.addNode(graphstore.LabelChat, "ch1", nil)
	// The loader stores local_id as a string; ordering must still be numeric.
	graph.neighbors[graphstore.EdgeContains+"|"+nodeKey(graphstore.LabelChat, "ch1")] = []*graphstore.Node{
		{Label: graphstore.LabelMessage, Key: "m10", Props: map[string]any{"local_id": "10"}},
		{Label: graphstore.LabelMessage, Key: "m0", Props: map[string]any{"local_id": "0"}},
		{Label: graphstore.LabelMessage, Key: "m2", Props: map[string]any{"local_id": "2"}},
	}

	mux := newTestMux(NewAPIHandlers(graph, nil, nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats/ch1/messages", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []*graphstore.Node `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "m0", resp.Messages[0].Key)
	assert.Equal(t, "m2", resp.Messages[1].Key)
	assert.Equal(t, "m10", resp.Messages[2].Key, "string ordinals sort numerically, not lexically")
}

func TestGetChatMessagesNotFound(t *testing.T) {
	mux := newTestMux(NewAPIHandlers(newFakeGraph(), nil, nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats/missing/messages", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSimilarChats(t *testing.T) {
	graph := newFakeGraph()
	graph.neighbors[graphstore.EdgeSimilarTo+"|"+nodeKey(graphstore.LabelChat, "ch1")] = []*graphstore.Node{
		{Label: graphstore.LabelChat, Key: "ch2"},
	}

	mux := newTestMux(NewAPIHandlers(graph, nil, nil))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats/ch1/similar", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestSearch(t *testing.T) {
	vectors := &fakeVectors{
		results: []*vectorstore.Scored{
			{Point: &vectorstore.Point{ID: 1, Payload: map[string]any{"chunk_id": "c1:0:0"}}, Score: 0.92},
			{Point: &vectorstore.Point{ID: 2, Payload: map[string]any{"chunk_id": "c2:0:0"}}, Score: 0.81},
		},
	}
	embedder := &fakeEmbedder{}

	mux := newTestMux(NewAPIHandlers(newFakeGraph(), vectors, embedder))
	body, _ := json.Marshal(SearchRequest{Query: "goroutine leaks", K: 5, Domain: "technology"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "c1:0:0", resp.Hits[0].ChunkID)
	assert.InDelta(t, 0.92, resp.Hits[0].Score, 1e-9)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, vectorstore.Filter{"domain": "technology"}, vectors.filter)
}

func TestSearchEmptyQuery(t *testing.T) {
	mux := newTestMux(NewAPIHandlers(newFakeGraph(), &fakeVectors{}, &fakeEmbedder{}))
	body, _ := json.Marshal(SearchRequest{Query: ""})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchNoEmbedder(t *testing.T) {
	mux := newTestMux(NewAPIHandlers(newFakeGraph(), &fakeVectors{}, nil))
	body, _ := json.Marshal(SearchRequest{Query: "anything"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(body)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSearchEmbedFailure(t *testing.T) {
	embedder := &fakeEmbedder{err: fmt.Errorf("ollama down")}
	mux := newTestMux(NewAPIHandlers(newFakeGraph(), &fakeVectors{}, embedder))
	body, _ := json.Marshal(SearchRequest{Query: "anything"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
