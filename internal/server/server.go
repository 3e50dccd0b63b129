// Package server provides HTTP server initialization and lifecycle management
// for the Loom read API and the websocket progress feed.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/config"
	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/vectorstore"
	"github.com/scrypster/loom/web/handlers"
)

// Start builds the mux and starts the HTTP server. It returns the actual
// address being listened on (useful for testing with port 0) and the
// WebSocketHub for wiring pipeline event broadcasts. The server shuts down
// when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, graph graphstore.Store, vectors vectorstore.Store, embedder llm.EmbeddingGenerator) (string, *handlers.WebSocketHub, error) {
	mux := http.NewServeMux()

	wsHub := handlers.NewWebSocketHub()
	go wsHub.Run()

	rateLimiter := handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	api := handlers.NewAPIHandlers(graph, vectors, embedder)
	mux.HandleFunc("GET /api/stats", api.GetStats)
	mux.HandleFunc("GET /api/chats", api.ListChats)
	mux.HandleFunc("GET /api/chats/{key}/messages", api.GetChatMessages)
	mux.HandleFunc("GET /api/chats/{key}/similar", api.GetSimilarChats)
	mux.HandleFunc("GET /api/clusters", api.ListClusters)
	mux.HandleFunc("POST /api/search", api.Search)

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ws", wsHub.HandleWebSocket)

	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	handler = handlers.SecurityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		wsHub.Stop()
		return "", nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("server: serve failed", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server: shutdown failed", "err", err)
		}
		wsHub.Stop()
	}()

	log.Info("server: listening", "addr", actualAddr)
	return actualAddr, wsHub, nil
}
