package types

import (
	"fmt"
	"strings"
	"time"
)

// Chat represents one conversation from an exported archive.
// The chat hash identifies the conversation across runs and is the key used
// to cross-reference chat-level annotations (tags, positions, similarities)
// between the graph store and the vector store.
type Chat struct {
	ChatID       string    `json:"chat_id"`       // Stable conversation ID from the export
	Title        string    `json:"title"`         // Conversation title (may be empty)
	Source       string    `json:"source"`        // Export format the chat came from (e.g. "openai", "flat")
	CreatedAt    time.Time `json:"created_at"`    // When the conversation started
	MessageCount int       `json:"message_count"` // Number of messages extracted
	ChatHash     string    `json:"chat_hash"`     // Identity hash, filled by the extractor
}

// HashFields returns the normalized identity fields for hashing.
// Title and timestamps are volatile (users rename chats, exports re-stamp
// times) and are deliberately excluded.
func (c *Chat) HashFields() map[string]any {
	return map[string]any{
		"chat_id": c.ChatID,
		"source":  c.Source,
	}
}

// Identity returns the dedup key used by the artifact store.
func (c *Chat) Identity() string { return c.ChatID }

// Validate checks the chat at the stage boundary.
func (c *Chat) Validate() error {
	if strings.TrimSpace(c.ChatID) == "" {
		return fmt.Errorf("%w: chat has empty chat_id", ErrInvalidRecord)
	}
	if c.ChatHash == "" {
		return fmt.Errorf("%w: chat %s has empty chat_hash", ErrInvalidRecord, c.ChatID)
	}
	return nil
}
