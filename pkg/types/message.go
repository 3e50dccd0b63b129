package types

import (
	"fmt"
	"strings"
	"time"
)

// Roles recognized by the extractor. Anything else is quarantined.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a chat-scoped text unit created once during extraction.
// Messages are immutable: re-ingesting the same archive yields the same
// message hashes and therefore no new work downstream.
type Message struct {
	ChatID      string    `json:"chat_id"`
	LocalID     string    `json:"local_id"`  // Per-chat ordinal, stable across re-ingestion
	Role        string    `json:"role"`      // user, assistant or system
	Content     string    `json:"content"`   // Raw message text
	Timestamp   time.Time `json:"timestamp"` // When the message was sent (may be zero)
	ParentID    string    `json:"parent_id,omitempty"`
	MessageHash string    `json:"message_hash"` // Identity hash, filled by the extractor
}

// HashFields returns the normalized identity fields for hashing.
// Timestamp and parent linkage are excluded: identity is the content in its
// position within the chat, per the content-addressing model.
func (m *Message) HashFields() map[string]any {
	return map[string]any{
		"content":  m.Content,
		"chat_id":  m.ChatID,
		"local_id": m.LocalID,
		"role":     m.Role,
	}
}

// Identity returns the dedup key used by the artifact store.
func (m *Message) Identity() string { return m.MessageHash }

// Validate checks the message at the stage boundary.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ChatID) == "" {
		return fmt.Errorf("%w: message has empty chat_id", ErrInvalidRecord)
	}
	if m.LocalID == "" {
		return fmt.Errorf("%w: message in chat %s has empty local_id", ErrInvalidRecord, m.ChatID)
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("%w: message %s:%s has unknown role %q", ErrInvalidRecord, m.ChatID, m.LocalID, m.Role)
	}
	if m.MessageHash == "" {
		return fmt.Errorf("%w: message %s:%s has empty message_hash", ErrInvalidRecord, m.ChatID, m.LocalID)
	}
	return nil
}
