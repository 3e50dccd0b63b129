package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/scrypster/loom/pkg/types"
)

// Structures for the OpenAI-style export: each conversation is a tree of
// mapping nodes linked by parent/children IDs, with the live thread being the
// walk from the root node down the children links.

type mappingConversation struct {
	Title          string                 `json:"title"`
	CreateTime     float64                `json:"create_time"`
	ConversationID string                 `json:"conversation_id"`
	ID             string                 `json:"id"`
	Mapping        map[string]mappingNode `json:"mapping"`
}

type mappingNode struct {
	ID       string          `json:"id"`
	Message  *mappingMessage `json:"message"`
	Parent   string          `json:"parent"`
	Children []string        `json:"children"`
}

type mappingMessage struct {
	ID     string `json:"id"`
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime *float64 `json:"create_time"`
	Content    struct {
		ContentType string            `json:"content_type"`
		Parts       []json.RawMessage `json:"parts"`
	} `json:"content"`
}

// mappingArchive extracts every conversation of an OpenAI-style export.
func mappingArchive(raw []json.RawMessage) (*Result, error) {
	result := &Result{}

	for _, item := range raw {
		var conv mappingConversation
		if err := json.Unmarshal(item, &conv); err != nil {
			result.Quarantined++
			continue
		}

		chatID := conv.ConversationID
		if chatID == "" {
			chatID = conv.ID
		}
		chat := &types.Chat{
			ChatID:    chatID,
			Title:     conv.Title,
			Source:    "openai",
			CreatedAt: epochToTime(conv.CreateTime),
		}
		result.finish(chat, threadMessages(chatID, conv.Mapping))
	}

	sortChats(result)
	return result, nil
}

// threadMessages walks the mapping tree from its root along children links
// and collects the conversational messages in thread order. Branches keep the
// first child, matching the thread the export presents as current.
func threadMessages(chatID string, mapping map[string]mappingNode) []*types.Message {
	root := findRoot(mapping)
	if root == "" {
		return nil
	}

	var msgs []*types.Message
	seen := make(map[string]bool)
	local := 0

	for id := root; id != "" && !seen[id]; {
		seen[id] = true
		node := mapping[id]

		if m := node.Message; m != nil {
			role := normalizeRole(m.Author.Role)
			content := joinParts(m.Content.Parts)
			if role != "" && strings.TrimSpace(content) != "" && m.Content.ContentType == "text" {
				msg := &types.Message{
					ChatID:  chatID,
					LocalID: strconv.Itoa(local),
					Role:    role,
					Content: content,
				}
				if m.CreateTime != nil {
					msg.Timestamp = epochToTime(*m.CreateTime)
				}
				msgs = append(msgs, msg)
				local++
			}
		}

		if len(node.Children) == 0 {
			break
		}
		id = node.Children[0]
	}

	return msgs
}

// findRoot locates the node with no parent (or whose parent is absent from
// the mapping, which some exports produce).
func findRoot(mapping map[string]mappingNode) string {
	for id, node := range mapping {
		if node.Parent == "" {
			return id
		}
		if _, ok := mapping[node.Parent]; !ok {
			return id
		}
	}
	return ""
}

// joinParts concatenates the string parts of a message's content, ignoring
// non-string parts (images, tool payloads).
func joinParts(parts []json.RawMessage) string {
	var sb strings.Builder
	for _, p := range parts {
		var s string
		if err := json.Unmarshal(p, &s); err != nil {
			continue
		}
		if sb.Len() > 0 && s != "" {
			sb.WriteString("\n")
		}
		sb.WriteString(s)
	}
	return sb.String()
}
