package types

import "fmt"

// Tag scopes. Message tags are produced by the tagger; chat tags are
// propagated upward from the messages of a chat.
const (
	TagScopeMessage = "message"
	TagScopeChat    = "chat"
)

// Tag is a derived annotation on a message or chat, keyed by the hash of the
// entity it annotates.
type Tag struct {
	Scope      string  `json:"scope"`      // message or chat
	Ref        string  `json:"ref"`        // message_hash or chat_hash
	Name       string  `json:"name"`       // Tag name within the taxonomy
	Domain     string  `json:"domain"`     // Taxonomy domain the tag belongs to
	Confidence float64 `json:"confidence"` // 0..1, from the tagger or vote fraction
	TagHash    string  `json:"tag_hash"`   // Identity hash for staleness tracking
}

// HashFields returns the normalized identity fields for hashing.
func (t *Tag) HashFields() map[string]any {
	return map[string]any{
		"scope":  t.Scope,
		"ref":    t.Ref,
		"name":   t.Name,
		"domain": t.Domain,
	}
}

// Identity returns the dedup key used by the artifact store.
func (t *Tag) Identity() string { return t.Scope + ":" + t.Ref + ":" + t.Domain + ":" + t.Name }

// Validate checks the tag at the stage boundary.
func (t *Tag) Validate() error {
	if t.Scope != TagScopeMessage && t.Scope != TagScopeChat {
		return fmt.Errorf("%w: tag has unknown scope %q", ErrInvalidRecord, t.Scope)
	}
	if t.Ref == "" {
		return fmt.Errorf("%w: tag %q has empty ref", ErrInvalidRecord, t.Name)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: tag on %s has empty name", ErrInvalidRecord, t.Ref)
	}
	return nil
}

// Summary is an LLM-produced digest of one cluster from one clustering run.
// Summaries are recomputed wholesale after every completed clustering run
// because the labels they key on are ephemeral.
type Summary struct {
	Label       int      `json:"label"`
	RunID       string   `json:"run_id"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"key_points,omitempty"`
	Fallback    bool     `json:"fallback,omitempty"` // True when locally synthesized after an LLM failure
	SummaryHash string   `json:"summary_hash"`
}

// HashFields returns the normalized identity fields for hashing.
func (s *Summary) HashFields() map[string]any {
	return map[string]any{
		"label":   s.Label,
		"run_id":  s.RunID,
		"summary": s.Summary,
	}
}

// Identity returns the dedup key used by the artifact store.
func (s *Summary) Identity() string { return fmt.Sprintf("%s:%d", s.RunID, s.Label) }

// Validate checks the summary at the stage boundary.
func (s *Summary) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("%w: summary for label %d has empty run_id", ErrInvalidRecord, s.Label)
	}
	if s.Label < NoiseLabel {
		return fmt.Errorf("%w: summary has label %d below noise", ErrInvalidRecord, s.Label)
	}
	if s.Summary == "" {
		return fmt.Errorf("%w: summary for label %d is empty", ErrInvalidRecord, s.Label)
	}
	return nil
}

// Position is the 2D placement of a whole chat, derived from the mean layout
// coordinates of its member chunks in the latest clustering run.
type Position struct {
	ChatHash string  `json:"chat_hash"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	RunID    string  `json:"run_id"`
}

// Identity returns the dedup key used by the artifact store.
func (p *Position) Identity() string { return p.ChatHash }

// Validate checks the position at the stage boundary.
func (p *Position) Validate() error {
	if p.ChatHash == "" {
		return fmt.Errorf("%w: position has empty chat_hash", ErrInvalidRecord)
	}
	return nil
}

// Similarity links two chats by the cosine similarity of their mean chunk
// embeddings. Pairs are stored once with ChatHash < OtherHash.
type Similarity struct {
	ChatHash  string  `json:"chat_hash"`
	OtherHash string  `json:"other_hash"`
	Score     float64 `json:"score"`
}

// Identity returns the dedup key used by the artifact store.
func (s *Similarity) Identity() string { return s.ChatHash + "|" + s.OtherHash }

// Validate checks the similarity at the stage boundary.
func (s *Similarity) Validate() error {
	if s.ChatHash == "" || s.OtherHash == "" {
		return fmt.Errorf("%w: similarity pair has empty chat_hash", ErrInvalidRecord)
	}
	if s.ChatHash == s.OtherHash {
		return fmt.Errorf("%w: similarity pair %s links a chat to itself", ErrInvalidRecord, s.ChatHash)
	}
	if s.Score < -1.0001 || s.Score > 1.0001 {
		return fmt.Errorf("%w: similarity %s|%s has score %f outside [-1,1]", ErrInvalidRecord, s.ChatHash, s.OtherHash, s.Score)
	}
	return nil
}
