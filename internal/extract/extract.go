// Package extract parses exported chat archives into typed Chat and Message
// records. Two export shapes are recognized: the OpenAI-style
// conversations.json (a mapping-node tree per conversation) and a flat
// conversation list. Malformed conversations are quarantined, counted and
// skipped, rather than propagated downstream.
//
// Extraction is the only place messages are created; message identity hashes
// are assigned here and never change, so re-ingesting the same archive yields
// zero new work for every later stage.
package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/pkg/types"
)

// Result is the output of extracting one archive file.
type Result struct {
	Chats       []*types.Chat
	Messages    []*types.Message
	Quarantined int // Conversations skipped as malformed
}

// File extracts a single archive file, detecting its format from the shape of
// the first conversation.
func File(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extract: read %s: %w", path, err)
	}
	return Archive(data)
}

// Archive extracts an exported archive held in memory.
func Archive(data []byte) (*Result, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("extract: archive is not a JSON array: %w", err)
	}
	if len(raw) == 0 {
		return &Result{}, nil
	}

	if isMappingConversation(raw[0]) {
		return mappingArchive(raw)
	}
	return flatArchive(raw)
}

// isMappingConversation probes for the OpenAI export shape.
func isMappingConversation(raw json.RawMessage) bool {
	var probe struct {
		Mapping map[string]json.RawMessage `json:"mapping"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Mapping != nil
}

// finish assigns hashes and appends a parsed conversation to the result.
// Conversations with no usable messages are quarantined.
func (r *Result) finish(chat *types.Chat, msgs []*types.Message) {
	if chat.ChatID == "" || len(msgs) == 0 {
		r.Quarantined++
		log.Warn("extract: quarantined conversation", "chat_id", chat.ChatID, "messages", len(msgs))
		return
	}

	chat.MessageCount = len(msgs)
	chat.ChatHash = hash.MustFields(chat.HashFields())
	for _, m := range msgs {
		m.MessageHash = hash.MustFields(m.HashFields())
	}
	// Parent linkage points at the previous message's hash once assigned.
	for i := 1; i < len(msgs); i++ {
		msgs[i].ParentID = msgs[i-1].MessageHash
	}

	r.Chats = append(r.Chats, chat)
	r.Messages = append(r.Messages, msgs...)
}

// epochToTime converts an export's float seconds-since-epoch to time.Time,
// returning the zero time for missing stamps.
func epochToTime(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)).UTC()
}

// normalizeRole maps export role spellings onto the recognized set, returning
// "" for roles that should be dropped (tool output, internal system noise).
func normalizeRole(role string) string {
	switch strings.ToLower(role) {
	case "user", "human":
		return types.RoleUser
	case "assistant", "model", "ai":
		return types.RoleAssistant
	case "system":
		return types.RoleSystem
	default:
		return ""
	}
}

// sortChats keeps extraction output deterministic across map iteration order.
func sortChats(r *Result) {
	sort.Slice(r.Chats, func(i, j int) bool { return r.Chats[i].ChatID < r.Chats[j].ChatID })
	sort.Slice(r.Messages, func(i, j int) bool {
		if r.Messages[i].ChatID != r.Messages[j].ChatID {
			return r.Messages[i].ChatID < r.Messages[j].ChatID
		}
		li, _ := strconv.Atoi(r.Messages[i].LocalID)
		lj, _ := strconv.Atoi(r.Messages[j].LocalID)
		return li < lj
	})
}
