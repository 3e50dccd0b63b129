package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummary(t *testing.T) {
	resp, err := ParseSummary(`{"title": "Database Tuning", "summary": "Talks about indexes.", "key_points": ["indexes", "vacuum"]}`)
	require.NoError(t, err)
	assert.Equal(t, "Database Tuning", resp.Title)
	assert.Equal(t, "Talks about indexes.", resp.Summary)
	assert.Len(t, resp.KeyPoints, 2)
}

func TestParseSummaryWithSurroundingProse(t *testing.T) {
	raw := "Sure! Here is the summary:\n```json\n{\"title\": \"Go Errors\", \"summary\": \"Error wrapping patterns.\"}\n```\nHope that helps."
	resp, err := ParseSummary(raw)
	require.NoError(t, err)
	assert.Equal(t, "Go Errors", resp.Title)
}

func TestParseSummaryMissingFields(t *testing.T) {
	_, err := ParseSummary(`{"title": "Only A Title"}`)
	assert.Error(t, err)

	_, err = ParseSummary(`{"summary": "No title here."}`)
	assert.Error(t, err)

	_, err = ParseSummary(`not json at all`)
	assert.Error(t, err)
}

func TestParseTags(t *testing.T) {
	tags, err := ParseTags(`{"tags": [{"name": "databases", "domain": "technology", "confidence": 0.9}, {"name": "", "confidence": 0.5}, {"name": "finance", "confidence": 7}]}`)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "databases", tags[0].Name)
	assert.Equal(t, 1.0, tags[1].Confidence, "confidence should be clamped to [0,1]")
}

func TestExtractJSONBalancesBraces(t *testing.T) {
	raw := `prefix {"a": {"b": "}"}, "c": 1} suffix {"d": 2}`
	assert.Equal(t, `{"a": {"b": "}"}, "c": 1}`, extractJSON(raw))
}

func TestExtractJSONHandlesEscapes(t *testing.T) {
	raw := `{"a": "quote \" and brace }"}`
	assert.Equal(t, raw, extractJSON(raw))
}
