package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SummaryResponse is the structured JSON expected from a summarization call.
type SummaryResponse struct {
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// TagResponse is one tag assignment within a tagging call's response.
type TagResponse struct {
	Name       string  `json:"name"`
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

// tagListResponse is the full tagging response envelope.
type tagListResponse struct {
	Tags []TagResponse `json:"tags"`
}

// ParseSummary extracts and validates a summary response. Missing required
// fields are an error so the caller can degrade to a locally-synthesized
// fallback instead of discarding the record.
func ParseSummary(text string) (*SummaryResponse, error) {
	var resp SummaryResponse
	if err := json.Unmarshal([]byte(extractJSON(text)), &resp); err != nil {
		return nil, fmt.Errorf("llm: summary response is not valid JSON: %w", err)
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return nil, fmt.Errorf("llm: summary response missing required field summary")
	}
	if strings.TrimSpace(resp.Title) == "" {
		return nil, fmt.Errorf("llm: summary response missing required field title")
	}
	return &resp, nil
}

// ParseTags extracts and validates a tagging response.
func ParseTags(text string) ([]TagResponse, error) {
	var resp tagListResponse
	if err := json.Unmarshal([]byte(extractJSON(text)), &resp); err != nil {
		return nil, fmt.Errorf("llm: tag response is not valid JSON: %w", err)
	}

	out := make([]TagResponse, 0, len(resp.Tags))
	for _, t := range resp.Tags {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		if t.Confidence < 0 {
			t.Confidence = 0
		}
		if t.Confidence > 1 {
			t.Confidence = 1
		}
		out = append(out, t)
	}
	return out, nil
}

// extractJSON extracts the first balanced JSON object from a string that may
// contain extra text. LLMs add explanations and markdown fences around JSON
// despite instructions; this strips both.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text // No JSON found; let the parser report the failure.
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		switch char {
		case '\\':
			escape = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				braceCount++
			}
		case '}':
			if !inString {
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text[start:]
}
