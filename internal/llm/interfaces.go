// Package llm holds the external-collaborator clients: text completion for
// summarization and tagging, and embedding generation. Both are specified at
// their interface boundary only; the models behind them are out of scope.
// All HTTP calls carry per-call timeouts and circuit breaker protection.
package llm

import "context"

// TextGenerator is the interface for LLM text completion. Summarization and
// tagging prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
