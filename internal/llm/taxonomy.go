package llm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TaxonomyDomain groups related tags under one named domain.
type TaxonomyDomain struct {
	Name string   `yaml:"name"`
	Tags []string `yaml:"tags"`
}

// Taxonomy is the closed tag vocabulary. Tags outside the taxonomy are
// rejected during tagging so the graph's tag nodes stay bounded.
type Taxonomy struct {
	Domains []TaxonomyDomain `yaml:"domains"`
}

// DefaultTaxonomy returns the built-in vocabulary used when no taxonomy
// file is configured.
func DefaultTaxonomy() *Taxonomy {
	return &Taxonomy{
		Domains: []TaxonomyDomain{
			{Name: "technology", Tags: []string{
				"programming", "databases", "infrastructure", "machine-learning",
				"web-development", "security", "networking", "tooling",
			}},
			{Name: "work", Tags: []string{
				"planning", "writing", "research", "review", "debugging",
				"design", "documentation",
			}},
			{Name: "personal", Tags: []string{
				"health", "finance", "travel", "learning", "hobbies",
				"cooking", "relationships",
			}},
			{Name: "creative", Tags: []string{
				"brainstorming", "storytelling", "music", "art",
			}},
		},
	}
}

// LoadTaxonomy reads a YAML taxonomy file. An empty path returns the
// default taxonomy.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	if path == "" {
		return DefaultTaxonomy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("llm: failed to read taxonomy %s: %w", path, err)
	}
	var tax Taxonomy
	if err := yaml.Unmarshal(data, &tax); err != nil {
		return nil, fmt.Errorf("llm: failed to parse taxonomy %s: %w", path, err)
	}
	if len(tax.Domains) == 0 {
		return nil, fmt.Errorf("llm: taxonomy %s has no domains", path)
	}
	return &tax, nil
}

// DomainOf returns the domain a tag belongs to, case-insensitively.
func (t *Taxonomy) DomainOf(tag string) (string, bool) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, d := range t.Domains {
		for _, candidate := range d.Tags {
			if strings.ToLower(candidate) == tag {
				return d.Name, true
			}
		}
	}
	return "", false
}

// AllTags flattens the taxonomy into a single tag list.
func (t *Taxonomy) AllTags() []string {
	var tags []string
	for _, d := range t.Domains {
		tags = append(tags, d.Tags...)
	}
	return tags
}
