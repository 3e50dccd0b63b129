// Package pipeline coordinates the stages that turn exported chat archives
// into graph and vector store projections. Stages run in a fixed linear
// order; each consults the ledger to find what is new, persists its
// artifacts durably, and only then marks the ledger, so a crash between the
// two replays the record instead of losing it.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/artifact"
	"github.com/scrypster/loom/internal/cluster"
	"github.com/scrypster/loom/internal/config"
	"github.com/scrypster/loom/internal/embed"
	"github.com/scrypster/loom/internal/graphstore"
	"github.com/scrypster/loom/internal/ledger"
	"github.com/scrypster/loom/internal/llm"
	"github.com/scrypster/loom/internal/vectorstore"
)

// Stage artifact names, in execution order.
const (
	StageIngest     = "ingest"
	StageChunk      = "chunk"
	StageEmbed      = "embed"
	StageCluster    = "cluster"
	StageTag        = "tag"
	StagePropagate  = "propagate-tags"
	StageSummarize  = "summarize"
	StagePosition   = "position"
	StageSimilarity = "similarity"
	StageLoad       = "load"
)

// Stage statuses reported per run. A whole run reports StatusSuccess when at
// least one stage did work, StatusSkipped when nothing was new.
const (
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
	StatusSuccess = "success"
)

// StageResult is one stage's outcome within a run.
type StageResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	New      int    `json:"new"`      // records processed this run
	Existing int    `json:"existing"` // records already done before this run
	Err      string `json:"err,omitempty"`
}

// RunResult is the explicit end state of one pipeline run. A run never ends
// in silent partial success: it either completed, skipped everything, or
// names the stage that failed.
type RunResult struct {
	Status      string        `json:"status"` // success, skipped or failed
	FailedStage string        `json:"failed_stage,omitempty"`
	Stages      []StageResult `json:"stages"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Options tune one run.
type Options struct {
	Force bool // reprocess everything regardless of the ledger
}

// Deps are the collaborators injected at construction. No component reaches
// for process-global state.
type Deps struct {
	Ledger     *ledger.Ledger
	Artifacts  *artifact.Store
	Batcher    *embed.Batcher
	Clusterer  *cluster.Incremental
	Summarizer *llm.Summarizer
	Tagger     *llm.Tagger
	Graph      graphstore.Store
	Vectors    vectorstore.Store
}

// Pipeline runs the stages against one data directory.
type Pipeline struct {
	cfg  *config.Config
	deps Deps
}

// New creates a pipeline. All dependencies must be non-nil except Graph and
// Vectors, which may be nil when the load stage is not going to run.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if deps.Ledger == nil || deps.Artifacts == nil {
		return nil, fmt.Errorf("pipeline: ledger and artifact store are required")
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// stage couples a name with its processing function. run returns the stage's
// result; a returned error halts the whole pipeline.
type stage struct {
	name string
	run  func(ctx context.Context, st *runState) (StageResult, error)
}

// runState carries per-run context between stages.
type runState struct {
	force bool
}

// Run executes all stages in order. On stage failure the run halts and the
// result names the failed stage; completed stages keep their ledger state so
// the next run resumes from the failure point.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*RunResult, error) {
	start := time.Now()
	st := &runState{force: opts.Force}
	result := &RunResult{Status: StatusSkipped}

	stages := []stage{
		{StageIngest, p.runIngest},
		{StageChunk, p.runChunk},
		{StageEmbed, p.runEmbed},
		{StageCluster, p.runCluster},
		{StageTag, p.runTag},
		{StagePropagate, p.runPropagate},
		{StageSummarize, p.runSummarize},
		{StagePosition, p.runPosition},
		{StageSimilarity, p.runSimilarity},
		{StageLoad, p.runLoad},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			result.Status = StatusFailed
			result.FailedStage = s.name
			result.Stages = append(result.Stages, StageResult{Name: s.name, Status: StatusFailed, Err: err.Error()})
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("pipeline: run cancelled before stage %s: %w", s.name, err)
		}

		log.Debug("pipeline: stage starting", "stage", s.name)
		release := p.deps.Artifacts.Acquire(s.name)
		sr, err := s.run(ctx, st)
		release()
		sr.Name = s.name
		if err != nil {
			sr.Status = StatusFailed
			sr.Err = err.Error()
			result.Stages = append(result.Stages, sr)
			result.Status = StatusFailed
			result.FailedStage = s.name
			result.Elapsed = time.Since(start)
			log.Error("pipeline: stage failed", "stage", s.name, "err", err)
			return result, fmt.Errorf("pipeline: stage %s failed: %w", s.name, err)
		}

		if sr.Status == StatusDone {
			result.Status = StatusSuccess
		}
		result.Stages = append(result.Stages, sr)
		log.Info("pipeline: stage finished", "stage", s.name, "status", sr.Status, "new", sr.New, "existing", sr.Existing)
	}

	result.Elapsed = time.Since(start)
	return result, nil
}
