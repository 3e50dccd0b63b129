package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	response string
	err      error
	calls    int
}

func (f *fakeGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeGenerator) GetModel() string { return "fake" }

func TestSummarizeSuccess(t *testing.T) {
	gen := &fakeGenerator{response: `{"title": "API Design", "summary": "Discussions about REST versioning.", "key_points": ["versioning"]}`}
	s := NewSummarizer(gen)

	sum := s.Summarize(context.Background(), "run-1", 3, []string{"how should I version my API?"})
	require.NotNil(t, sum)
	assert.Equal(t, 3, sum.Label)
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, "API Design", sum.Title)
	assert.False(t, sum.Fallback)
	assert.NotEmpty(t, sum.SummaryHash)
	require.NoError(t, sum.Validate())
}

func TestSummarizeFallbackOnGeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("connection refused")}
	s := NewSummarizer(gen)

	sum := s.Summarize(context.Background(), "run-1", 0, []string{
		"Postgres vacuum settings were discussed at length. More text follows.",
	})
	require.NotNil(t, sum)
	assert.True(t, sum.Fallback)
	assert.Equal(t, "Cluster 0", sum.Title)
	assert.Contains(t, sum.Summary, "Postgres vacuum settings")
	require.NoError(t, sum.Validate())
}

func TestSummarizeFallbackOnMalformedResponse(t *testing.T) {
	gen := &fakeGenerator{response: "I could not produce JSON, sorry."}
	s := NewSummarizer(gen)

	sum := s.Summarize(context.Background(), "run-2", 1, []string{"some chunk text."})
	assert.True(t, sum.Fallback)
	require.NoError(t, sum.Validate())
}

func TestSummarizeCapsSamples(t *testing.T) {
	gen := &fakeGenerator{response: `{"title": "T", "summary": "S"}`}
	s := NewSummarizer(gen)

	samples := make([]string, 20)
	for i := range samples {
		samples[i] = "sample text."
	}
	sum := s.Summarize(context.Background(), "run-1", 0, samples)
	require.NotNil(t, sum)
	assert.Equal(t, 1, gen.calls)
}

func TestSummarizeNilGenerator(t *testing.T) {
	s := NewSummarizer(nil)
	sum := s.Summarize(context.Background(), "run-1", 2, []string{"text without terminator"})
	assert.True(t, sum.Fallback)
	assert.NotEmpty(t, sum.Summary)
}
