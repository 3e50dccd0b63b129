package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/artifact"
	"github.com/scrypster/loom/internal/chunk"
	"github.com/scrypster/loom/internal/extract"
	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/internal/load"
	"github.com/scrypster/loom/pkg/types"
)

// Artifact file names, one per stage output.
const (
	artChats        = "chats"
	artMessages     = "messages"
	artChunks       = "chunks"
	artEmbeddings   = "embeddings"
	artClusters     = "clusters"
	artTags         = "tags"
	artChatTags     = "chat_tags"
	artSummaries    = "summaries"
	artPositions    = "positions"
	artSimilarities = "similarities"
)

// minChatTagVotes is the fraction of a chat's tagged messages that must carry
// a tag before it propagates to the chat itself.
const minChatTagVotes = 0.2

// similarityFloor drops chat pairs below this cosine similarity so the
// similarity artifact stays sparse.
const similarityFloor = 0.5

// fingerprint condenses a set of input hashes into one ledger key. The
// replace-style stages have no per-record ledger; they mark the fingerprint
// of their inputs instead, so completion survives the process. A crash
// between an upstream MarkDone and the downstream Replace leaves the
// fingerprint unmarked and the stage re-runs on resume.
func fingerprint(parts []string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	return hash.Text(strings.Join(sorted, "\n"))
}

// outputCurrent reports whether a replace-style stage's output is already on
// disk for the given input fingerprint. Both halves matter: the ledger mark
// alone would mask a deleted or never-written artifact.
func (p *Pipeline) outputCurrent(stageName, fp, artName string) (bool, error) {
	done, err := p.deps.Ledger.Load(stageName)
	if err != nil {
		return false, err
	}
	if _, ok := done[fp]; !ok {
		return false, nil
	}
	if artName == "" {
		return true, nil
	}
	_, err = os.Stat(p.deps.Artifacts.Path(artName))
	return err == nil, nil
}

// runIngest scans the archive directory, extracts chats and messages, and
// appends the ones whose identity hash is unseen.
func (p *Pipeline) runIngest(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	paths, err := filepath.Glob(filepath.Join(p.cfg.Storage.ArchivePath, "*.json"))
	if err != nil {
		return sr, fmt.Errorf("bad archive path %s: %w", p.cfg.Storage.ArchivePath, err)
	}
	if len(paths) == 0 {
		if _, statErr := os.Stat(p.cfg.Storage.ArchivePath); statErr != nil {
			return sr, fmt.Errorf("archive directory unreadable: %w", statErr)
		}
		return sr, nil
	}
	sort.Strings(paths)

	done, err := p.deps.Ledger.Load(StageIngest)
	if err != nil {
		return sr, err
	}

	var allChats []*types.Chat
	var newMessages []*types.Message
	seenChats := make(map[string]bool)
	for _, path := range paths {
		res, err := extract.File(path)
		if err != nil {
			log.Warn("pipeline: skipping unreadable archive", "path", path, "err", err)
			continue
		}
		if res.Quarantined > 0 {
			log.Warn("pipeline: archive had quarantined records", "path", path, "quarantined", res.Quarantined)
		}
		for _, c := range res.Chats {
			if !seenChats[c.ChatID] {
				seenChats[c.ChatID] = true
				allChats = append(allChats, c)
			}
		}
		for _, m := range res.Messages {
			if _, ok := done[m.MessageHash]; ok && !st.force {
				sr.Existing++
				continue
			}
			newMessages = append(newMessages, m)
		}
	}

	if len(newMessages) == 0 && !st.force {
		return sr, nil
	}

	// Chats are appended wholesale; the artifact store's last-wins dedup by
	// chat_id keeps one record per conversation.
	if err := artifact.Append(p.deps.Artifacts, artChats, allChats); err != nil {
		return sr, err
	}
	if err := artifact.Append(p.deps.Artifacts, artMessages, newMessages); err != nil {
		return sr, err
	}

	hashes := make([]string, len(newMessages))
	for i, m := range newMessages {
		hashes[i] = m.MessageHash
	}
	if err := p.deps.Ledger.MarkDone(StageIngest, hashes); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = len(newMessages)
	p.writeMeta(StageIngest, map[string]int{"new": sr.New, "existing": sr.Existing, "chats": len(allChats)})
	return sr, nil
}

// runChunk splits new messages into embedding-sized chunks.
func (p *Pipeline) runChunk(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	messages, err := artifact.LoadAll[types.Message](p.deps.Artifacts, artMessages)
	if err != nil {
		return sr, err
	}
	done, err := p.deps.Ledger.Load(StageChunk)
	if err != nil {
		return sr, err
	}

	chunker := chunk.New()
	var newChunks []*types.Chunk
	var processed []string
	for _, m := range messages {
		if _, ok := done[m.MessageHash]; ok && !st.force {
			sr.Existing++
			continue
		}
		cs, err := chunker.FromMessage(m)
		if err != nil {
			return sr, fmt.Errorf("failed to chunk message %s: %w", m.MessageHash, err)
		}
		newChunks = append(newChunks, cs...)
		processed = append(processed, m.MessageHash)
	}

	if len(processed) == 0 {
		return sr, nil
	}
	if err := artifact.Append(p.deps.Artifacts, artChunks, newChunks); err != nil {
		return sr, err
	}
	if err := p.deps.Ledger.MarkDone(StageChunk, processed); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = len(newChunks)
	p.writeMeta(StageChunk, map[string]int{"new": sr.New, "existing": sr.Existing, "messages": len(processed)})
	return sr, nil
}

// runEmbed embeds new chunks through the bounded worker pool. A chunk whose
// collaborator call failed gets a sentinel embedding this run and stays new
// in the ledger so the next run retries it.
func (p *Pipeline) runEmbed(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	chunks, err := artifact.LoadAll[types.Chunk](p.deps.Artifacts, artChunks)
	if err != nil {
		return sr, err
	}
	done, err := p.deps.Ledger.Load(StageEmbed)
	if err != nil {
		return sr, err
	}

	var pending []*types.Chunk
	for _, c := range chunks {
		if _, ok := done[c.ChunkHash]; ok && !st.force {
			sr.Existing++
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return sr, nil
	}

	res, embedErr := p.deps.Batcher.EmbedAll(ctx, pending)
	if res == nil || len(res.Embeddings) == 0 {
		return sr, embedErr
	}
	// A cancelled batch still carries everything finished before the cut;
	// persist and mark it so the next run picks up from here.
	if err := artifact.Append(p.deps.Artifacts, artEmbeddings, res.Embeddings); err != nil {
		return sr, err
	}

	chunkHash := make(map[string]string, len(pending))
	for _, c := range pending {
		chunkHash[c.ChunkID] = c.ChunkHash
	}
	var doneHashes []string
	for _, e := range res.Embeddings {
		if !e.Sentinel {
			doneHashes = append(doneHashes, chunkHash[e.ChunkID])
		}
	}
	if err := p.deps.Ledger.MarkDone(StageEmbed, doneHashes); err != nil {
		return sr, err
	}
	if embedErr != nil {
		log.Warn("pipeline: embedding interrupted by cancellation", "embedded", len(res.Embeddings))
		return sr, embedErr
	}

	sr.Status = StatusDone
	sr.New = len(res.Embeddings)
	p.writeMeta(StageEmbed, map[string]int{"new": sr.New, "existing": sr.Existing, "failed": res.Failed})
	if res.Failed > 0 {
		log.Warn("pipeline: embeddings degraded to sentinels", "failed", res.Failed)
	}
	return sr, nil
}

// runCluster reclusters the full embedding set whenever any vector is new.
// The whole assignment artifact is replaced because labels are only
// meaningful within one run.
func (p *Pipeline) runCluster(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	embeddings, err := artifact.LoadAll[types.Embedding](p.deps.Artifacts, artEmbeddings)
	if err != nil {
		return sr, err
	}
	if len(embeddings) == 0 {
		return sr, nil
	}
	done, err := p.deps.Ledger.Load(StageCluster)
	if err != nil {
		return sr, err
	}

	var existing, fresh []*types.Embedding
	for _, e := range embeddings {
		if _, ok := done[e.VectorHash]; ok && !st.force {
			existing = append(existing, e)
		} else {
			fresh = append(fresh, e)
		}
	}
	sr.Existing = len(existing)
	if len(fresh) == 0 {
		return sr, nil
	}

	assignments, _, err := p.deps.Clusterer.Merge(existing, fresh)
	if err != nil {
		return sr, err
	}
	if err := artifact.Replace(p.deps.Artifacts, artClusters, assignments); err != nil {
		return sr, err
	}

	var hashes []string
	for _, e := range fresh {
		hashes = append(hashes, e.VectorHash)
	}
	if err := p.deps.Ledger.MarkDone(StageCluster, hashes); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = len(fresh)
	p.writeMeta(StageCluster, map[string]int{"new": sr.New, "existing": sr.Existing, "total": len(assignments)})
	return sr, nil
}

// runTag assigns taxonomy tags to new messages.
func (p *Pipeline) runTag(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	messages, err := artifact.LoadAll[types.Message](p.deps.Artifacts, artMessages)
	if err != nil {
		return sr, err
	}
	done, err := p.deps.Ledger.Load(StageTag)
	if err != nil {
		return sr, err
	}

	var newTags []*types.Tag
	var processed []string
	for _, m := range messages {
		if _, ok := done[m.MessageHash]; ok && !st.force {
			sr.Existing++
			continue
		}
		if err := ctx.Err(); err != nil {
			// Stop issuing new collaborator calls; whatever was tagged so
			// far is persisted below and marked done.
			log.Warn("pipeline: tagging interrupted by cancellation", "tagged", len(processed))
			break
		}
		newTags = append(newTags, p.deps.Tagger.TagMessage(ctx, m)...)
		processed = append(processed, m.MessageHash)
	}

	if len(processed) == 0 {
		return sr, nil
	}
	if err := artifact.Append(p.deps.Artifacts, artTags, newTags); err != nil {
		return sr, err
	}
	if err := p.deps.Ledger.MarkDone(StageTag, processed); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = len(newTags)
	p.writeMeta(StageTag, map[string]int{"new": sr.New, "existing": sr.Existing, "messages": len(processed)})
	return sr, nil
}

// runPropagate recomputes chat-scoped tags from message tags by vote
// fraction. The chat tag artifact is replaced wholesale because any new
// message tag can shift every fraction in its chat.
func (p *Pipeline) runPropagate(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	tags, err := artifact.LoadAll[types.Tag](p.deps.Artifacts, artTags)
	if err != nil {
		return sr, err
	}
	messages, err := artifact.LoadAll[types.Message](p.deps.Artifacts, artMessages)
	if err != nil {
		return sr, err
	}
	chats, err := artifact.LoadAll[types.Chat](p.deps.Artifacts, artChats)
	if err != nil {
		return sr, err
	}
	if len(tags) == 0 && len(messages) == 0 {
		return sr, nil
	}

	parts := make([]string, 0, len(tags)+len(messages))
	for _, t := range tags {
		parts = append(parts, t.TagHash)
	}
	for _, m := range messages {
		parts = append(parts, m.MessageHash)
	}
	fp := fingerprint(parts)
	if !st.force {
		current, err := p.outputCurrent(StagePropagate, fp, artChatTags)
		if err != nil {
			return sr, err
		}
		if current {
			sr.Existing = len(tags)
			return sr, nil
		}
	}

	chatTags := propagateTags(tags, messages, chats)
	if err := artifact.Replace(p.deps.Artifacts, artChatTags, chatTags); err != nil {
		return sr, err
	}
	if err := p.deps.Ledger.MarkDone(StagePropagate, []string{fp}); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = len(chatTags)
	p.writeMeta(StagePropagate, map[string]int{"new": sr.New, "chats": len(chats)})
	return sr, nil
}

// runSummarize produces one summary per non-noise cluster of the latest run.
// Summaries are recomputed wholesale after every completed clustering run
// because the labels they key on are ephemeral.
func (p *Pipeline) runSummarize(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	assignments, err := artifact.LoadAll[types.ClusterAssignment](p.deps.Artifacts, artClusters)
	if err != nil {
		return sr, err
	}
	if len(assignments) == 0 {
		return sr, nil
	}
	chunks, err := artifact.LoadAll[types.Chunk](p.deps.Artifacts, artChunks)
	if err != nil {
		return sr, err
	}
	content := make(map[string]string, len(chunks))
	for _, c := range chunks {
		content[c.ChunkID] = c.Content
	}

	// The run ID pins the label space; a recluster always mints a new one,
	// so it is the whole input fingerprint.
	runID := assignments[0].RunID
	fp := fingerprint([]string{"summarize:" + runID})
	if !st.force {
		current, err := p.outputCurrent(StageSummarize, fp, artSummaries)
		if err != nil {
			return sr, err
		}
		if current {
			return sr, nil
		}
	}
	byLabel := make(map[int][]string)
	for _, a := range assignments {
		if a.Label == types.NoiseLabel {
			continue
		}
		if text, ok := content[a.ChunkID]; ok {
			byLabel[a.Label] = append(byLabel[a.Label], text)
		}
	}

	labels := make([]int, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Ints(labels)

	var summaries []*types.Summary
	interrupted := false
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			log.Warn("pipeline: summarization interrupted by cancellation", "done", len(summaries))
			interrupted = true
			break
		}
		summaries = append(summaries, p.deps.Summarizer.Summarize(ctx, runID, label, byLabel[label]))
	}
	if err := artifact.Replace(p.deps.Artifacts, artSummaries, summaries); err != nil {
		return sr, err
	}
	// An interrupted pass persists its partial output but stays unmarked so
	// the next run completes the set.
	if !interrupted {
		if err := p.deps.Ledger.MarkDone(StageSummarize, []string{fp}); err != nil {
			return sr, err
		}
	}

	sr.Status = StatusDone
	sr.New = len(summaries)
	p.writeMeta(StageSummarize, map[string]int{"new": sr.New, "clusters": len(byLabel)})
	return sr, nil
}

// runPosition derives one 2D position per chat from the mean layout
// coordinates of its chunks in the latest run.
func (p *Pipeline) runPosition(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	assignments, err := artifact.LoadAll[types.ClusterAssignment](p.deps.Artifacts, artClusters)
	if err != nil {
		return sr, err
	}
	if len(assignments) == 0 {
		return sr, nil
	}
	chunks, err := artifact.LoadAll[types.Chunk](p.deps.Artifacts, artChunks)
	if err != nil {
		return sr, err
	}
	chats, err := artifact.LoadAll[types.Chat](p.deps.Artifacts, artChats)
	if err != nil {
		return sr, err
	}

	fp := fingerprint([]string{"position:" + assignments[0].RunID})
	if !st.force {
		current, err := p.outputCurrent(StagePosition, fp, artPositions)
		if err != nil {
			return sr, err
		}
		if current {
			return sr, nil
		}
	}

	positions := derivePositions(assignments, chunks, chats)
	if err := artifact.Replace(p.deps.Artifacts, artPositions, positions); err != nil {
		return sr, err
	}
	if err := p.deps.Ledger.MarkDone(StagePosition, []string{fp}); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = len(positions)
	p.writeMeta(StagePosition, map[string]int{"new": sr.New})
	return sr, nil
}

// runSimilarity links chats whose mean chunk embeddings are close in cosine
// space. Pairs below the floor are dropped.
func (p *Pipeline) runSimilarity(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}

	embeddings, err := artifact.LoadAll[types.Embedding](p.deps.Artifacts, artEmbeddings)
	if err != nil {
		return sr, err
	}
	chunks, err := artifact.LoadAll[types.Chunk](p.deps.Artifacts, artChunks)
	if err != nil {
		return sr, err
	}
	chats, err := artifact.LoadAll[types.Chat](p.deps.Artifacts, artChats)
	if err != nil {
		return sr, err
	}
	if len(embeddings) == 0 && len(chats) == 0 {
		return sr, nil
	}

	parts := make([]string, 0, len(embeddings)+len(chats))
	for _, e := range embeddings {
		parts = append(parts, e.VectorHash)
	}
	for _, c := range chats {
		parts = append(parts, c.ChatHash)
	}
	fp := fingerprint(parts)
	if !st.force {
		current, err := p.outputCurrent(StageSimilarity, fp, artSimilarities)
		if err != nil {
			return sr, err
		}
		if current {
			return sr, nil
		}
	}

	similarities := deriveSimilarities(embeddings, chunks, chats, similarityFloor)
	if err := artifact.Replace(p.deps.Artifacts, artSimilarities, similarities); err != nil {
		return sr, err
	}
	if err := p.deps.Ledger.MarkDone(StageSimilarity, []string{fp}); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = len(similarities)
	p.writeMeta(StageSimilarity, map[string]int{"new": sr.New})
	return sr, nil
}

// runLoad materializes all artifacts into the graph and vector stores and
// cross-checks the result. The two loaders run concurrently; they write to
// independent systems.
func (p *Pipeline) runLoad(ctx context.Context, st *runState) (StageResult, error) {
	sr := StageResult{Status: StatusSkipped}
	if p.deps.Graph == nil || p.deps.Vectors == nil {
		log.Warn("pipeline: load stage skipped, stores not configured")
		return sr, nil
	}

	arts, err := p.loadArtifacts()
	if err != nil {
		return sr, err
	}
	if len(arts.Chats) == 0 {
		return sr, nil
	}

	fp := fingerprint(loadFingerprintParts(arts))
	if !st.force {
		current, err := p.outputCurrent(StageLoad, fp, "")
		if err != nil {
			return sr, err
		}
		if current {
			return sr, nil
		}
	}

	graphLoader := load.NewGraphLoader(p.deps.Graph, p.cfg.Load.RetryAttempts, p.cfg.Load.RetryBaseDelay)
	vectorLoader := load.NewVectorLoader(p.deps.Vectors, p.cfg.Load.RetryAttempts, p.cfg.Load.RetryBaseDelay)

	type outcome struct {
		stats *load.Stats
		err   error
	}
	graphCh := make(chan outcome, 1)
	go func() {
		stats, err := graphLoader.Load(ctx, arts)
		graphCh <- outcome{stats, err}
	}()
	vecStats, vecErr := vectorLoader.Load(ctx, arts)
	graphRes := <-graphCh

	if graphRes.err != nil {
		return sr, fmt.Errorf("graph load failed: %w", graphRes.err)
	}
	if vecErr != nil {
		return sr, fmt.Errorf("vector load failed: %w", vecErr)
	}

	skip := make(map[string]bool)
	for _, e := range arts.Embeddings {
		if e.Sentinel || e.IsZero() {
			skip[e.ChunkID] = true
		}
	}
	verifier := load.NewVerifier(p.deps.Graph, p.deps.Vectors, p.cfg.Verify.SampleSize, p.cfg.Verify.Threshold)
	report, err := verifier.Verify(ctx, skip)
	if err != nil {
		log.Warn("pipeline: cross-reference verification errored", "err", err)
	} else if report.BelowTarget {
		log.Warn("pipeline: stores are drifting apart", "rate", report.Rate, "threshold", report.Threshold)
	}

	if err := p.deps.Ledger.MarkDone(StageLoad, []string{fp}); err != nil {
		return sr, err
	}

	sr.Status = StatusDone
	sr.New = graphRes.stats.Loaded + vecStats.Loaded
	p.writeMeta(StageLoad, map[string]int{
		"graph_loaded":  graphRes.stats.Loaded,
		"graph_failed":  graphRes.stats.Failed,
		"vector_loaded": vecStats.Loaded,
		"vector_failed": vecStats.Failed,
	})
	return sr, nil
}

// loadFingerprintParts collects the identity hashes of everything the loaders
// consume, so a load is repeated only when some upstream artifact changed.
func loadFingerprintParts(arts *load.Artifacts) []string {
	parts := make([]string, 0, len(arts.Chats)+len(arts.Messages)+len(arts.Embeddings)+len(arts.Tags)+len(arts.Summaries))
	for _, c := range arts.Chats {
		parts = append(parts, c.ChatHash)
	}
	for _, m := range arts.Messages {
		parts = append(parts, m.MessageHash)
	}
	for _, e := range arts.Embeddings {
		parts = append(parts, e.VectorHash)
	}
	for _, t := range arts.Tags {
		parts = append(parts, t.TagHash)
	}
	for _, s := range arts.Summaries {
		parts = append(parts, s.SummaryHash)
	}
	if len(arts.Assignments) > 0 {
		parts = append(parts, "run:"+arts.Assignments[0].RunID)
	}
	return parts
}

func (p *Pipeline) loadArtifacts() (*load.Artifacts, error) {
	arts := &load.Artifacts{}
	var err error
	if arts.Chats, err = artifact.LoadAll[types.Chat](p.deps.Artifacts, artChats); err != nil {
		return nil, err
	}
	if arts.Messages, err = artifact.LoadAll[types.Message](p.deps.Artifacts, artMessages); err != nil {
		return nil, err
	}
	if arts.Chunks, err = artifact.LoadAll[types.Chunk](p.deps.Artifacts, artChunks); err != nil {
		return nil, err
	}
	if arts.Embeddings, err = artifact.LoadAll[types.Embedding](p.deps.Artifacts, artEmbeddings); err != nil {
		return nil, err
	}
	if arts.Assignments, err = artifact.LoadAll[types.ClusterAssignment](p.deps.Artifacts, artClusters); err != nil {
		return nil, err
	}
	if arts.Tags, err = artifact.LoadAll[types.Tag](p.deps.Artifacts, artTags); err != nil {
		return nil, err
	}
	chatTags, err := artifact.LoadAll[types.Tag](p.deps.Artifacts, artChatTags)
	if err != nil {
		return nil, err
	}
	arts.Tags = append(arts.Tags, chatTags...)
	if arts.Summaries, err = artifact.LoadAll[types.Summary](p.deps.Artifacts, artSummaries); err != nil {
		return nil, err
	}
	if arts.Positions, err = artifact.LoadAll[types.Position](p.deps.Artifacts, artPositions); err != nil {
		return nil, err
	}
	if arts.Similarities, err = artifact.LoadAll[types.Similarity](p.deps.Artifacts, artSimilarities); err != nil {
		return nil, err
	}
	return arts, nil
}

func (p *Pipeline) writeMeta(stageName string, stats map[string]int) {
	if err := p.deps.Artifacts.WriteMeta(stageName, stats); err != nil {
		log.Warn("pipeline: failed to write meta sidecar", "stage", stageName, "err", err)
	}
}
