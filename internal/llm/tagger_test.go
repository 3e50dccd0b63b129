package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/pkg/types"
)

func testMessage(content string) *types.Message {
	return &types.Message{
		MessageHash: "deadbeef",
		Content:     content,
	}
}

func TestTagMessageSuccess(t *testing.T) {
	gen := &fakeGenerator{response: `{"tags": [{"name": "databases", "domain": "technology", "confidence": 0.9}, {"name": "made-up-tag", "domain": "nope", "confidence": 0.8}]}`}
	tagger := NewTagger(gen, DefaultTaxonomy())

	tags := tagger.TagMessage(context.Background(), testMessage("postgres index question"))
	require.Len(t, tags, 1, "tags outside the taxonomy should be dropped")
	assert.Equal(t, "databases", tags[0].Name)
	assert.Equal(t, "technology", tags[0].Domain)
	assert.Equal(t, types.TagScopeMessage, tags[0].Scope)
	assert.Equal(t, "deadbeef", tags[0].Ref)
	assert.NotEmpty(t, tags[0].TagHash)
	require.NoError(t, tags[0].Validate())
}

func TestTagMessageDedupes(t *testing.T) {
	gen := &fakeGenerator{response: `{"tags": [{"name": "Travel", "confidence": 0.9}, {"name": "travel", "confidence": 0.7}]}`}
	tagger := NewTagger(gen, DefaultTaxonomy())

	tags := tagger.TagMessage(context.Background(), testMessage("trip planning"))
	require.Len(t, tags, 1)
	assert.Equal(t, "travel", tags[0].Name)
	assert.Equal(t, "personal", tags[0].Domain, "domain comes from the taxonomy, not the response")
}

func TestTagMessageKeywordFallback(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("timeout")}
	tagger := NewTagger(gen, DefaultTaxonomy())

	tags := tagger.TagMessage(context.Background(), testMessage("I spent the weekend cooking and a bit of travel planning"))
	require.NotEmpty(t, tags)

	names := make(map[string]bool)
	for _, tag := range tags {
		names[tag.Name] = true
		assert.Equal(t, 0.3, tag.Confidence)
	}
	assert.True(t, names["cooking"])
	assert.True(t, names["travel"])
}

func TestTagMessageCapsCount(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("down")}
	tagger := NewTagger(gen, DefaultTaxonomy())

	// Content matching more taxonomy tags than the cap allows.
	content := "programming databases security networking tooling planning writing research health finance"
	tags := tagger.TagMessage(context.Background(), testMessage(content))
	assert.Len(t, tags, maxTagsPerMessage)
}

func TestTagMessageHyphenatedKeyword(t *testing.T) {
	tagger := NewTagger(nil, DefaultTaxonomy())

	tags := tagger.TagMessage(context.Background(), testMessage("my machine learning model overfits"))
	names := make(map[string]bool)
	for _, tag := range tags {
		names[tag.Name] = true
	}
	assert.True(t, names["machine-learning"])
}

func TestLoadTaxonomyFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tax.yaml")
	yaml := "domains:\n  - name: science\n    tags: [physics, biology]\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	tax, err := LoadTaxonomy(path)
	require.NoError(t, err)
	require.Len(t, tax.Domains, 1)

	domain, ok := tax.DomainOf("Physics")
	assert.True(t, ok)
	assert.Equal(t, "science", domain)

	_, ok = tax.DomainOf("astrology")
	assert.False(t, ok)
}

func TestLoadTaxonomyEmptyPathUsesDefault(t *testing.T) {
	tax, err := LoadTaxonomy("")
	require.NoError(t, err)
	assert.NotEmpty(t, tax.AllTags())
}
