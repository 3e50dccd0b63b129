package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/vectorstore"
)

const (
	defaultSearchK = 10
	maxSearchK     = 100
	maxListLimit   = 1000
)

// APIHandlers serves the read-only query surface over the loaded stores.
type APIHandlers struct {
	graph    graphstore.Store
	vectors  vectorstore.Store
	embedder llm.EmbeddingGenerator
}

// NewAPIHandlers creates handlers over the two stores. The embedder may be
// nil, in which case semantic search returns 503.
func NewAPIHandlers(graph graphstore.Store, vectors vectorstore.Store, embedder llm.EmbeddingGenerator) *APIHandlers {
	return &APIHandlers{graph: graph, vectors: vectors, embedder: embedder}
}

// GetStats handles GET /api/stats.
func (h *APIHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatsResponse{}

	counts := []struct {
		label string
		dst   *int
	}{
		{graphstore.LabelChat, &resp.Chats},
		{graphstore.LabelMessage, &resp.Messages},
		{graphstore.LabelChunk, &resp.Chunks},
		{graphstore.LabelCluster, &resp.Clusters},
		{graphstore.LabelTag, &resp.Tags},
	}
	for _, c := range counts {
		n, err := h.graph.CountNodes(ctx, c.label)
		if err != nil {
			log.Error("handlers: failed to count nodes", "label", c.label, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to read graph store", "GRAPH_ERROR")
			return
		}
		*c.dst = n
	}

	if h.vectors != nil {
		n, err := h.vectors.Count(ctx)
		if err != nil {
			log.Error("handlers: failed to count vectors", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to read vector store", "VECTOR_ERROR")
			return
		}
		resp.Vectors = n
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListChats handles GET /api/chats.
func (h *APIHandlers) ListChats(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	nodes, err := h.graph.NodesByLabel(r.Context(), graphstore.LabelChat, limit)
	if err != nil {
		log.Error("handlers: failed to list chats", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read graph store", "GRAPH_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chats": nodes, "count": len(nodes)})
}

// GetChatMessages handles GET /api/chats/{key}/messages.
func (h *APIHandlers) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "chat key is required", "BAD_REQUEST")
		return
	}

	ctx := r.Context()
	if _, err := h.graph.GetNode(ctx, graphstore.LabelChat, key); err != nil {
		if errors.Is(err, graphstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found", "NOT_FOUND")
			return
		}
		log.Error("handlers: failed to load chat", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read graph store", "GRAPH_ERROR")
		return
	}

	messages, err := h.graph.Neighbors(ctx, graphstore.EdgeContains, graphstore.Ref{Label: graphstore.LabelChat, Key: key})
	if err != nil {
		log.Error("handlers: failed to load messages", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read graph store", "GRAPH_ERROR")
		return
	}

	// Message props carry local_id; present conversation order, not store order.
	sort.SliceStable(messages, func(i, j int) bool {
		return nodeFloat(messages[i], "local_id") < nodeFloat(messages[j], "local_id")
	})

	writeJSON(w, http.StatusOK, map[string]any{"chat": key, "messages": messages, "count": len(messages)})
}

// GetSimilarChats handles GET /api/chats/{key}/similar.
func (h *APIHandlers) GetSimilarChats(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "chat key is required", "BAD_REQUEST")
		return
	}

	similar, err := h.graph.Neighbors(r.Context(), graphstore.EdgeSimilarTo, graphstore.Ref{Label: graphstore.LabelChat, Key: key})
	if err != nil {
		log.Error("handlers: failed to load similar chats", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read graph store", "GRAPH_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chat": key, "similar": similar, "count": len(similar)})
}

// ListClusters handles GET /api/clusters.
func (h *APIHandlers) ListClusters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 200)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	nodes, err := h.graph.NodesByLabel(r.Context(), graphstore.LabelCluster, limit)
	if err != nil {
		log.Error("handlers: failed to list clusters", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read graph store", "GRAPH_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"clusters": nodes, "count": len(nodes)})
}

// Search handles POST /api/search: embeds the query and runs a
// nearest-neighbor lookup, optionally filtered to one tag domain.
func (h *APIHandlers) Search(w http.ResponseWriter, r *http.Request) {
	if h.embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "no embedding backend configured", "NO_EMBEDDER")
		return
	}
	if h.vectors == nil {
		writeError(w, http.StatusServiceUnavailable, "no vector store configured", "NO_VECTOR_STORE")
		return
	}

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required", "BAD_REQUEST")
		return
	}
	if req.K <= 0 {
		req.K = defaultSearchK
	}
	if req.K > maxSearchK {
		req.K = maxSearchK
	}

	ctx := r.Context()
	vector, err := h.embedder.Embed(ctx, req.Query)
	if err != nil {
		log.Error("handlers: failed to embed search query", "err", err)
		writeError(w, http.StatusBadGateway, "embedding backend unavailable", "EMBED_ERROR")
		return
	}

	var filter vectorstore.Filter
	if req.Domain != "" {
		filter = vectorstore.Filter{"domain": req.Domain}
	}

	scored, err := h.vectors.QueryNearest(ctx, vector, req.K, filter)
	if err != nil {
		log.Error("handlers: vector search failed", "err", err)
		writeError(w, http.StatusInternalServerError, "vector search failed", "VECTOR_ERROR")
		return
	}

	hits := make([]SearchHit, 0, len(scored))
	for _, s := range scored {
		hit := SearchHit{Score: s.Score, Payload: s.Point.Payload}
		if id, ok := s.Point.Payload["chunk_id"].(string); ok {
			hit.ChunkID = id
		}
		hits = append(hits, hit)
	}

	writeJSON(w, http.StatusOK, SearchResponse{Query: req.Query, Hits: hits})
}

// nodeFloat reads a numeric node property. The graph loader stores message
// ordinals as strings, so numeric strings count too.
func nodeFloat(n *graphstore.Node, key string) float64 {
	if n == nil || n.Props == nil {
		return 0
	}
	switch v := n.Props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}
