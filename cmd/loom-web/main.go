// Command loom-web serves the read-only query API over the loaded graph and
// vector stores, plus a websocket feed of pipeline progress. It watches the
// archive directory and reprocesses new exports in place, so one process
// covers both serving and refresh.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/artifact"
	"github.com/scrypster/loom/internal/cluster"
	"github.com/scrypster/loom/internal/config"
	"github.com/scrypster/loom/internal/embed"
	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/internal/ledger"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/notify"
	"github.com/scrypster/loom/internal/pipeline"
	"github.com/scrypster/loom/internal/server"
	"github.com/scrypster/loom/internal/vectorstore"
	"github.com/scrypster/loom/web/handlers"
)

func main() {
	noWatch := flag.Bool("no-watch", false, "Serve only, without watching the archive directory")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config", "err", err)
	}

	graph, err := graphstore.NewSQLiteStore(cfg.GraphDBPath())
	if err != nil {
		log.Fatal("failed to open graph store", "err", err)
	}
	defer graph.Close()

	var vectors vectorstore.Store
	if cfg.Storage.VectorDSN != "" {
		pg, err := vectorstore.NewPostgresStore(cfg.Storage.VectorDSN)
		if err != nil {
			log.Fatal("failed to open vector store", "err", err)
		}
		if err := pg.EnsureSchema(context.Background(), cfg.Embedding.Dimension); err != nil {
			log.Fatal("failed to prepare vector store", "err", err)
		}
		defer pg.Close()
		vectors = pg
	} else {
		log.Warn("no vector store configured, search is disabled")
	}

	embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding)
	if err != nil {
		log.Warn("no embedding backend, search is disabled", "err", err)
		embedder = nil
	} else {
		checkEmbedderHealth(embedder)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, hub, err := server.Start(ctx, cfg, graph, vectors, embedder)
	if err != nil {
		log.Fatal("failed to start server", "err", err)
	}
	log.Info("loom web API running", "addr", "http://"+addr)

	var watcher *notify.ArchiveWatcher
	if !*noWatch {
		if embedder == nil {
			log.Fatal("watch mode needs an embedding backend; rerun with -no-watch to serve only")
		}
		pipe, err := buildPipeline(cfg, embedder, graph, vectors)
		if err != nil {
			log.Fatal("failed to build pipeline", "err", err)
		}

		var runMu sync.Mutex
		watcher = notify.NewArchiveWatcher(cfg.Storage.ArchivePath, func(path string) {
			log.Info("archive settled", "path", path)
			runMu.Lock()
			defer runMu.Unlock()
			runAndBroadcast(ctx, pipe, hub)
		})
		if err := watcher.Start(); err != nil {
			log.Fatal("failed to watch archive directory", "err", err)
		}
		defer watcher.Stop()
		log.Info("watching for new archives", "dir", cfg.Storage.ArchivePath)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

// checkEmbedderHealth pings the embedding backend once at startup so an
// unreachable backend shows up in the log before the first search or run.
func checkEmbedderHealth(embedder llm.EmbeddingGenerator) {
	hc, ok := embedder.(interface{ HealthCheck(context.Context) error })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hc.HealthCheck(ctx); err != nil {
		log.Warn("embedding backend unreachable", "model", embedder.GetModel(), "err", err)
	}
}

// runAndBroadcast executes one pipeline run and mirrors its progress onto the
// websocket feed.
func runAndBroadcast(ctx context.Context, pipe *pipeline.Pipeline, hub *handlers.WebSocketHub) {
	hub.Broadcast(notify.RunEvent{Type: notify.EventRunStarted, Timestamp: time.Now()})

	result, err := pipe.Run(ctx, pipeline.Options{})
	for _, sr := range result.Stages {
		hub.Broadcast(notify.RunEvent{
			Type:      notify.EventStageFinished,
			Stage:     sr.Name,
			Status:    sr.Status,
			New:       sr.New,
			Existing:  sr.Existing,
			Timestamp: time.Now(),
		})
	}
	hub.Broadcast(notify.RunEvent{
		Type:      notify.EventRunFinished,
		Status:    result.Status,
		Timestamp: time.Now(),
	})

	if err != nil {
		log.Error("pipeline run failed", "stage", result.FailedStage, "err", err)
		return
	}
	log.Info("pipeline run finished", "status", result.Status, "elapsed", result.Elapsed)
}

func buildPipeline(cfg *config.Config, embedder llm.EmbeddingGenerator, graph graphstore.Store, vectors vectorstore.Store) (*pipeline.Pipeline, error) {
	led, err := ledger.New(cfg.Storage.DataPath + "/ledger")
	if err != nil {
		return nil, err
	}
	arts, err := artifact.NewStore(cfg.Storage.DataPath + "/artifacts")
	if err != nil {
		return nil, err
	}

	generator, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		log.Warn("no completion backend, using extractive fallbacks", "err", err)
		generator = nil
	}

	taxonomy := llm.DefaultTaxonomy()
	if cfg.Storage.TaxonomyPath != "" {
		taxonomy, err = llm.LoadTaxonomy(cfg.Storage.TaxonomyPath)
		if err != nil {
			return nil, err
		}
	}

	return pipeline.New(cfg, pipeline.Deps{
		Ledger:    led,
		Artifacts: arts,
		Batcher: embed.NewBatcher(embedder, cfg.Embedding.Workers,
			cfg.Embedding.RateLimit, cfg.Embedding.Dimension),
		Clusterer: cluster.NewIncremental(
			cluster.NewLocalEngine(cfg.Cluster.MinClusterSize, cfg.Cluster.Epsilon),
			cfg.Cluster.MinClusterSize),
		Summarizer: llm.NewSummarizer(generator),
		Tagger:     llm.NewTagger(generator, taxonomy),
		Graph:      graph,
		Vectors:    vectors,
	})
}
