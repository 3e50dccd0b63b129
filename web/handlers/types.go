package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// StatsResponse is the payload for GET /api/stats.
type StatsResponse struct {
	Chats     int `json:"chats"`
	Messages  int `json:"messages"`
	Chunks    int `json:"chunks"`
	Clusters  int `json:"clusters"`
	Tags      int `json:"tags"`
	Vectors   int `json:"vectors"`
}

// SearchRequest is the payload for POST /api/search.
type SearchRequest struct {
	Query  string `json:"query"`
	K      int    `json:"k"`
	Domain string `json:"domain"`
}

// SearchHit is one nearest-neighbor result.
type SearchHit struct {
	ChunkID string         `json:"chunk_id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// SearchResponse is the payload for POST /api/search.
type SearchResponse struct {
	Query string      `json:"query"`
	Hits  []SearchHit `json:"hits"`
}

// ErrorResponse is the uniform error payload for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
