package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/pkg/types"
)

// maxSummarySamples bounds how many chunk excerpts are sent per cluster.
const maxSummarySamples = 8

// Summarizer produces one Summary per cluster label from member chunk
// samples. A failed or malformed LLM response degrades to a locally
// synthesized fallback; a summarize call never loses a cluster.
type Summarizer struct {
	gen TextGenerator
}

// NewSummarizer creates a summarizer on top of a completion client.
func NewSummarizer(gen TextGenerator) *Summarizer {
	return &Summarizer{gen: gen}
}

// Summarize builds the summary for one cluster of the given run. samples are
// member chunk contents; at most maxSummarySamples are sent to the model.
func (s *Summarizer) Summarize(ctx context.Context, runID string, label int, samples []string) *types.Summary {
	if len(samples) > maxSummarySamples {
		samples = samples[:maxSummarySamples]
	}

	summary := &types.Summary{Label: label, RunID: runID}

	resp, err := s.callModel(ctx, samples)
	if err != nil {
		log.Warn("llm: summarization degraded to fallback", "label", label, "err", err)
		fb := synthesizeFallback(label, samples)
		summary.Title = fb.Title
		summary.Summary = fb.Summary
		summary.KeyPoints = fb.KeyPoints
		summary.Fallback = true
	} else {
		summary.Title = resp.Title
		summary.Summary = resp.Summary
		summary.KeyPoints = resp.KeyPoints
	}

	summary.SummaryHash = hash.MustFields(summary.HashFields())
	return summary
}

func (s *Summarizer) callModel(ctx context.Context, samples []string) (*SummaryResponse, error) {
	if s.gen == nil {
		return nil, fmt.Errorf("llm: no text generator configured")
	}
	raw, err := s.gen.Complete(ctx, buildSummaryPrompt(samples))
	if err != nil {
		return nil, err
	}
	return ParseSummary(raw)
}

// synthesizeFallback builds a deterministic local summary from the leading
// sentences of the samples. Quality is deliberately modest; the point is
// that the record survives.
func synthesizeFallback(label int, samples []string) *SummaryResponse {
	resp := &SummaryResponse{
		Title: fmt.Sprintf("Cluster %d", label),
	}

	var lines []string
	for _, s := range samples {
		if line := firstSentence(s); line != "" {
			lines = append(lines, line)
		}
		if len(lines) == 3 {
			break
		}
	}
	if len(lines) == 0 {
		resp.Summary = fmt.Sprintf("Cluster %d with %d excerpts (no summarizable text).", label, len(samples))
		return resp
	}

	resp.Summary = strings.Join(lines, " ")
	resp.KeyPoints = lines
	return resp
}

// firstSentence returns the first sentence of a text, capped at 160 bytes.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			s = s[:i+1]
			break
		}
	}
	return truncate(strings.TrimSpace(s), 160)
}
