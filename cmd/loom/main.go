// Command loom runs the chat-archive knowledge pipeline: it ingests exported
// archives, builds content-addressed artifacts, and loads the graph and
// vector stores. With -watch it keeps running and reprocesses whenever a new
// archive lands in the archive directory.
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
	"github.com/scrypster/loom/internal/vectorstore"
)

func main() {
	force := flag.Bool("force", false, "Reprocess everything regardless of ledger state")
	watch := flag.Bool("watch", false, "Keep running and reprocess when new archives appear")
	skipLoad := flag.Bool("skip-load", false, "Build artifacts only, without loading the stores")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config", "err", err)
	}

	pipe, closeStores, err := buildPipeline(cfg, *skipLoad)
	if err != nil {
		log.Fatal("failed to build pipeline", "err", err)
	}
	defer closeStores()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	runOnce(ctx, pipe, pipeline.Options{Force: *force})

	if !*watch {
		return
	}

	// Serialize runs; a settle callback during an active run queues at most
	// one follow-up.
	var runMu sync.Mutex
	watcher := notify.NewArchiveWatcher(cfg.Storage.ArchivePath, func(path string) {
		log.Info("archive settled", "path", path)
		runMu.Lock()
		defer runMu.Unlock()
		runOnce(ctx, pipe, pipeline.Options{})
	})
	if err := watcher.Start(); err != nil {
		log.Fatal("failed to watch archive directory", "err", err)
	}
	defer watcher.Stop()

	log.Info("watching for new archives", "dir", cfg.Storage.ArchivePath)
	<-ctx.Done()
}

func runOnce(ctx context.Context, pipe *pipeline.Pipeline, opts pipeline.Options) {
	result, err := pipe.Run(ctx, opts)
	if err != nil {
		log.Error("pipeline run failed", "stage", result.FailedStage, "err", err)
		return
	}
	for _, sr := range result.Stages {
		log.Info("stage finished", "stage", sr.Name, "status", sr.Status, "new", sr.New, "existing", sr.Existing)
	}
	log.Info("pipeline run finished", "status", result.Status, "elapsed", result.Elapsed)
}

// checkEmbedderHealth pings the embedding backend once at startup so an
// unreachable backend is visible before the first batch, not fatal. Embeds
// against a dead backend degrade to sentinels and are retried next run.
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

func buildPipeline(cfg *config.Config, skipLoad bool) (*pipeline.Pipeline, func(), error) {
	led, err := ledger.New(cfg.Storage.DataPath + "/ledger")
	if err != nil {
		return nil, nil, err
	}
	arts, err := artifact.NewStore(cfg.Storage.DataPath + "/artifacts")
	if err != nil {
		return nil, nil, err
	}

	embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding)
	if err != nil {
		return nil, nil, err
	}
	checkEmbedderHealth(embedder)
	generator, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		log.Warn("no completion backend, using extractive fallbacks", "err", err)
		generator = nil
	}

	taxonomy := llm.DefaultTaxonomy()
	if cfg.Storage.TaxonomyPath != "" {
		taxonomy, err = llm.LoadTaxonomy(cfg.Storage.TaxonomyPath)
		if err != nil {
			return nil, nil, err
		}
	}

	deps := pipeline.Deps{
		Ledger:    led,
		Artifacts: arts,
		Batcher: embed.NewBatcher(embedder, cfg.Embedding.Workers,
			cfg.Embedding.RateLimit, cfg.Embedding.Dimension),
		Clusterer: cluster.NewIncremental(
			cluster.NewLocalEngine(cfg.Cluster.MinClusterSize, cfg.Cluster.Epsilon),
			cfg.Cluster.MinClusterSize),
		Summarizer: llm.NewSummarizer(generator),
		Tagger:     llm.NewTagger(generator, taxonomy),
	}

	closeStores := func() {}
	if !skipLoad {
		graph, err := graphstore.NewSQLiteStore(cfg.GraphDBPath())
		if err != nil {
			return nil, nil, err
		}
		deps.Graph = graph

		var vectors vectorstore.Store
		if cfg.Storage.VectorDSN != "" {
			pg, err := vectorstore.NewPostgresStore(cfg.Storage.VectorDSN)
			if err != nil {
				_ = graph.Close()
				return nil, nil, err
			}
			if err := pg.EnsureSchema(context.Background(), cfg.Embedding.Dimension); err != nil {
				_ = graph.Close()
				_ = pg.Close()
				return nil, nil, err
			}
			vectors = pg
			deps.Vectors = pg
		} else {
			log.Warn("no vector store configured, loading graph only")
		}

		closeStores = func() {
			_ = graph.Close()
			if vectors != nil {
				_ = vectors.Close()
			}
		}
	}

	pipe, err := pipeline.New(cfg, deps)
	if err != nil {
		closeStores()
		return nil, nil, err
	}
	return pipe, closeStores, nil
}
