package llm

import (
	"fmt"

	"github.com/scrypster/loom/internal/config"
)

// NewTextGenerator builds the completion client selected by the configuration.
func NewTextGenerator(cfg config.LLMConfig) (TextGenerator, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// NewEmbeddingGenerator builds the embedding client selected by the
// configuration.
func NewEmbeddingGenerator(cfg config.EmbeddingConfig) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:         cfg.OpenAIKey,
			EmbeddingModel: cfg.Model,
			Timeout:        cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("llm: unknown embedding provider %q", cfg.Provider)
	}
}
