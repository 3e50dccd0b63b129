package extract

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/loom/pkg/types"
)

// Structures for the flat export shape: a list of conversations each holding
// an ordered message list. Claude-style exports and Loom's own test fixtures
// use this form.

type flatConversation struct {
	ChatID    string        `json:"chat_id"`
	UUID      string        `json:"uuid"`
	Title     string        `json:"title"`
	Name      string        `json:"name"`
	CreatedAt string        `json:"created_at"`
	Messages  []flatMessage `json:"messages"`
}

type flatMessage struct {
	Role      string `json:"role"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// flatArchive extracts every conversation of a flat export.
func flatArchive(raw []json.RawMessage) (*Result, error) {
	result := &Result{}

	for _, item := range raw {
		var conv flatConversation
		if err := json.Unmarshal(item, &conv); err != nil {
			result.Quarantined++
			continue
		}

		chatID := conv.ChatID
		if chatID == "" {
			chatID = conv.UUID
		}
		title := conv.Title
		if title == "" {
			title = conv.Name
		}

		chat := &types.Chat{
			ChatID:    chatID,
			Title:     title,
			Source:    "flat",
			CreatedAt: parseStamp(conv.CreatedAt),
		}

		var msgs []*types.Message
		local := 0
		for _, fm := range conv.Messages {
			role := fm.Role
			if role == "" {
				role = fm.Sender
			}
			role = normalizeRole(role)

			content := fm.Content
			if content == "" {
				content = fm.Text
			}
			if role == "" || strings.TrimSpace(content) == "" {
				continue
			}

			msgs = append(msgs, &types.Message{
				ChatID:    chatID,
				LocalID:   strconv.Itoa(local),
				Role:      role,
				Content:   content,
				Timestamp: parseStamp(fm.Timestamp),
			})
			local++
		}

		result.finish(chat, msgs)
	}

	sortChats(result)
	return result, nil
}

// parseStamp accepts the RFC 3339 timestamps flat exports carry, returning
// the zero time for anything else.
func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
