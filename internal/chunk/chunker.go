// Package chunk prepares messages for embedding. Most messages become exactly
// one chunk; oversized messages are split on sentence boundaries so each
// fragment stays within the embedding model's practical input size.
package chunk

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/pkg/types"
)

// Chunker splits message content into embedding-sized fragments.
// It uses sentence-aware splitting to maintain semantic coherence.
type Chunker struct {
	MaxTokens int // Maximum chunk size in estimated tokens (default: 512)
}

// New returns a Chunker with the default size limit.
func New() *Chunker {
	return &Chunker{MaxTokens: 512}
}

// FromMessage produces the 1..N chunks of a message. Every chunk traces back
// to its owning message via MessageHash; chunk IDs are derived from the chat
// ID and the message's local index, so re-chunking the same message yields
// the same IDs.
func (c *Chunker) FromMessage(m *types.Message) ([]*types.Chunk, error) {
	parts, err := c.split(m.Content)
	if err != nil {
		return nil, err
	}

	chunks := make([]*types.Chunk, 0, len(parts))
	for i, content := range parts {
		ch := &types.Chunk{
			ChunkID:     fmt.Sprintf("%s:%s:%d", m.ChatID, m.LocalID, i),
			ChatID:      m.ChatID,
			MessageHash: m.MessageHash,
			Role:        m.Role,
			Content:     content,
			CharCount:   len(content),
		}
		ch.ChunkHash = hash.MustFields(ch.HashFields())
		chunks = append(chunks, ch)
	}
	return chunks, nil
}

// split breaks content into pieces of at most MaxTokens estimated tokens.
// Content that fits returns as a single piece. Empty content returns nothing.
func (c *Chunker) split(content string) ([]string, error) {
	if len(strings.TrimSpace(content)) == 0 {
		return nil, nil
	}

	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	if EstimateTokens(content) <= maxTokens {
		return []string{content}, nil
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return nil, nil
	}

	var (
		pieces        []string
		current       strings.Builder
		currentTokens int
	)

	flush := func() {
		if piece := strings.TrimSpace(current.String()); piece != "" {
			pieces = append(pieces, piece)
		}
		current.Reset()
		currentTokens = 0
	}

	for _, sentence := range sentences {
		tokens := EstimateTokens(sentence)

		// A single sentence above the limit is split hard on rune count;
		// there is no better boundary available.
		if tokens > maxTokens {
			flush()
			for _, frag := range hardSplit(sentence, maxTokens*4) {
				pieces = append(pieces, strings.TrimSpace(frag))
			}
			continue
		}

		if currentTokens+tokens > maxTokens && currentTokens > 0 {
			flush()
		}
		current.WriteString(sentence)
		currentTokens += tokens
	}
	flush()

	return pieces, nil
}

// EstimateTokens estimates the number of tokens in the given text using the
// ~4 characters per token heuristic, a reasonable approximation for English
// text with GPT-style tokenizers.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// hardSplit cuts text into fragments of at most maxChars runes.
func hardSplit(text string, maxChars int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// splitSentences splits text into sentences using common terminators,
// keeping the terminator (and trailing space) with its sentence.
func splitSentences(text string) []string {
	if len(text) == 0 {
		return nil
	}

	var sentences []string
	var current strings.Builder
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}

		// Consume trailing whitespace, then break if the next rune starts a
		// new sentence (uppercase) or we hit the end.
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			current.WriteRune(runes[i+1])
			i++
		}
		if i+1 >= len(runes) || unicode.IsUpper(runes[i+1]) || r == '\n' {
			if s := current.String(); strings.TrimSpace(s) != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}

	if s := current.String(); strings.TrimSpace(s) != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
