package llm

import (
	"fmt"
	"strings"
)

// buildSummaryPrompt asks for a structured digest of one cluster's sample
// chunks. The schema is restated in the prompt because smaller local models
// drift without it.
func buildSummaryPrompt(samples []string) string {
	var sb strings.Builder
	sb.WriteString("You are summarizing one topical cluster of chat excerpts.\n")
	sb.WriteString("Respond with ONLY a JSON object, no prose, in this exact schema:\n")
	sb.WriteString(`{"title": "3-6 word cluster title", "summary": "2-3 sentence summary", "key_points": ["point", ...]}`)
	sb.WriteString("\n\nExcerpts:\n")
	for i, s := range samples {
		fmt.Fprintf(&sb, "--- excerpt %d ---\n%s\n", i+1, truncate(s, 600))
	}
	return sb.String()
}

// buildTagPrompt asks for taxonomy tags on one message.
func buildTagPrompt(content string, taxonomy *Taxonomy) string {
	var sb strings.Builder
	sb.WriteString("Assign tags to the following chat message.\n")
	sb.WriteString("Only use tags from this taxonomy (domain: tags):\n")
	for _, d := range taxonomy.Domains {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, strings.Join(d.Tags, ", "))
	}
	sb.WriteString("Respond with ONLY a JSON object, no prose, in this exact schema:\n")
	sb.WriteString(`{"tags": [{"name": "tag", "domain": "domain", "confidence": 0.0}]}`)
	sb.WriteString("\n\nMessage:\n")
	sb.WriteString(truncate(content, 2000))
	return sb.String()
}

// truncate limits a sample to n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
