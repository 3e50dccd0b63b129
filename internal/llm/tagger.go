package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/pkg/types"
)

// maxTagsPerMessage caps the tags kept per message after validation.
const maxTagsPerMessage = 5

// Tagger assigns taxonomy tags to messages. LLM output is validated against
// the taxonomy; tags outside it are dropped. A failed call degrades to a
// keyword match over the taxonomy so tagging never halts the pipeline.
type Tagger struct {
	gen TextGenerator
	tax *Taxonomy
}

// NewTagger creates a tagger bound to a taxonomy. gen may be nil, in which
// case only the keyword fallback runs.
func NewTagger(gen TextGenerator, tax *Taxonomy) *Tagger {
	if tax == nil {
		tax = DefaultTaxonomy()
	}
	return &Tagger{gen: gen, tax: tax}
}

// TagMessage produces message-scoped tags for one message, keyed by its hash.
func (t *Tagger) TagMessage(ctx context.Context, msg *types.Message) []*types.Tag {
	raw, err := t.callModel(ctx, msg.Content)
	if err != nil {
		log.Warn("llm: tagging degraded to keyword fallback", "message", msg.MessageHash, "err", err)
		raw = t.keywordTags(msg.Content)
	}

	var tags []*types.Tag
	seen := make(map[string]struct{})
	for _, r := range raw {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		domain, ok := t.tax.DomainOf(name)
		if !ok {
			continue
		}
		if _, dup := seen[domain+":"+name]; dup {
			continue
		}
		seen[domain+":"+name] = struct{}{}

		tag := &types.Tag{
			Scope:      types.TagScopeMessage,
			Ref:        msg.MessageHash,
			Name:       name,
			Domain:     domain,
			Confidence: r.Confidence,
		}
		tag.TagHash = hash.MustFields(tag.HashFields())
		tags = append(tags, tag)
		if len(tags) == maxTagsPerMessage {
			break
		}
	}
	return tags
}

func (t *Tagger) callModel(ctx context.Context, content string) ([]TagResponse, error) {
	if t.gen == nil {
		return nil, fmt.Errorf("llm: no text generator configured")
	}
	raw, err := t.gen.Complete(ctx, buildTagPrompt(content, t.tax))
	if err != nil {
		return nil, err
	}
	return ParseTags(raw)
}

// keywordTags matches taxonomy tag names as whole words in the content.
// Confidence is fixed low so propagated chat tags can outvote them.
func (t *Tagger) keywordTags(content string) []TagResponse {
	words := tokenize(content)
	var out []TagResponse
	for _, d := range t.tax.Domains {
		for _, tag := range d.Tags {
			if matchesTag(words, tag) {
				out = append(out, TagResponse{Name: tag, Domain: d.Name, Confidence: 0.3})
			}
		}
	}
	return out
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		words[w] = struct{}{}
	}
	return words
}

// matchesTag accepts either the whole hyphenated tag as a token sequence or
// each of its parts appearing separately.
func matchesTag(words map[string]struct{}, tag string) bool {
	parts := strings.Split(strings.ToLower(tag), "-")
	for _, p := range parts {
		if _, ok := words[p]; !ok {
			return false
		}
	}
	return true
}
