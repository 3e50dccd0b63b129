package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// metaVersion is bumped when the sidecar layout changes.
const metaVersion = 1

// Meta is the observability sidecar written next to each stage's artifact
// file on stage completion.
type Meta struct {
	Timestamp time.Time      `json:"timestamp"`
	Step      string         `json:"step"`
	Stats     map[string]int `json:"stats"`
	Version   int            `json:"version"`
}

// WriteMeta records completion metadata for a stage.
func (s *Store) WriteMeta(stage string, stats map[string]int) error {
	meta := Meta{
		Timestamp: time.Now().UTC(),
		Step:      stage,
		Stats:     stats,
		Version:   metaVersion,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal meta for %s: %w", stage, err)
	}

	path := s.Path(stage) + ".meta.json"
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write meta %s: %w", path, err)
	}
	return nil
}

// ReadMeta returns the completion metadata for a stage, or a zero Meta when
// the stage has never completed.
func (s *Store) ReadMeta(stage string) (Meta, error) {
	path := s.Path(stage) + ".meta.json"
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil
		}
		return Meta{}, fmt.Errorf("artifact: read meta %s: %w", path, err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("artifact: parse meta %s: %w", path, err)
	}
	return meta, nil
}
