package types

import (
	"fmt"
	"strings"
)

// Chunk is a message or message-fragment prepared for embedding.
// Every chunk traces to exactly one message; a message produces more than one
// chunk only when its content exceeds the chunker's size limit.
type Chunk struct {
	ChunkID     string `json:"chunk_id"`     // <chat_id>:<local_id>:<part>
	ChatID      string `json:"chat_id"`
	MessageHash string `json:"message_hash"` // Owning message
	Role        string `json:"role"`
	Content     string `json:"content"`
	CharCount   int    `json:"char_count"`
	ChunkHash   string `json:"chunk_hash"` // Identity hash, filled by the chunker
}

// HashFields returns the normalized identity fields for hashing.
func (c *Chunk) HashFields() map[string]any {
	return map[string]any{
		"chunk_id":     c.ChunkID,
		"content":      c.Content,
		"message_hash": c.MessageHash,
	}
}

// Identity returns the dedup key used by the artifact store. Chunks dedupe by
// chunk ID so a re-chunked message supersedes its previous fragments.
func (c *Chunk) Identity() string { return c.ChunkID }

// Validate checks the chunk at the stage boundary.
func (c *Chunk) Validate() error {
	if strings.TrimSpace(c.ChunkID) == "" {
		return fmt.Errorf("%w: chunk has empty chunk_id", ErrInvalidRecord)
	}
	if c.MessageHash == "" {
		return fmt.Errorf("%w: chunk %s has no owning message_hash", ErrInvalidRecord, c.ChunkID)
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("%w: chunk %s has empty content", ErrInvalidRecord, c.ChunkID)
	}
	if c.ChunkHash == "" {
		return fmt.Errorf("%w: chunk %s has empty chunk_hash", ErrInvalidRecord, c.ChunkID)
	}
	return nil
}
