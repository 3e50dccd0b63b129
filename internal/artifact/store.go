// Package artifact owns the at-rest representation of each pipeline stage's
// output: one JSONL file per stage under <data>/artifacts/, plus a small JSON
// metadata sidecar per stage for observability.
//
// Records are content-addressed. LoadAll dedupes by Identity keeping the last
// occurrence, so re-appending a record that was already written (the crash
// window between an artifact append and the matching ledger mark) is
// harmless: replay overwrites an identical record instead of duplicating it.
//
// Loaders read artifacts but never mutate them; the downstream graph and
// vector stores are projections, never the source of truth.
package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

// Record is the contract every artifact entry satisfies.
type Record interface {
	// Identity is the dedup key: the latest record for an identity wins.
	Identity() string
	// Validate checks the record at the stage boundary; failures are
	// quarantined on load rather than propagated.
	Validate() error
}

// Store provides append/merge access to every stage's artifact file.
// Concurrent runs of different stages are safe; the per-stage lock enforces
// the single-writer-per-stage discipline.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates an artifact store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Acquire takes the single-writer lock for a stage and returns its release
// function. The orchestrator holds the lock for the whole load-compute-write
// cycle of a stage so LoadAll followed by Append/Replace never interleaves
// with another writer of the same stage.
func (s *Store) Acquire(stage string) (release func()) {
	l := s.stageLock(stage)
	l.Lock()
	return l.Unlock
}

// Path returns the artifact file path for a stage.
func (s *Store) Path(stage string) string {
	return filepath.Join(s.dir, stage+".jsonl")
}

func (s *Store) stageLock(stage string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[stage]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stage] = l
	}
	return l
}

// Append streams records onto the end of a stage's artifact file, one JSON
// record per line, and syncs the file to disk before returning. The sync must
// complete before the caller marks the stage ledger.
func Append[T Record](s *Store, stage string, records []T) error {
	if len(records) == 0 {
		return nil
	}

	path := s.Path(stage)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	if err := writeRecords(w, stage, records); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("artifact: flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("artifact: sync %s: %w", path, err)
	}
	return nil
}

// Replace atomically rewrites a stage's artifact file with the given records.
// Used by stages that recompute their output wholesale (clustering and its
// label-keyed consumers). Writes to a temp file and renames over the old one.
func Replace[T Record](s *Store, stage string, records []T) error {
	path := s.Path(stage)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("artifact: open %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	if err := writeRecords(w, stage, records); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("artifact: flush %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("artifact: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("artifact: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("artifact: rename %s: %w", tmp, err)
	}
	return nil
}

// LoadAll reads every record of a stage, validating each and deduping by
// Identity with last-wins semantics. Malformed lines and invalid records are
// quarantined (logged and counted), never propagated. An absent file means
// the stage has not run yet and yields an empty slice.
func LoadAll[T any, PT interface {
	Record
	*T
}](s *Store, stage string) ([]PT, error) {
	path := s.Path(stage)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var (
		order       []string
		byIdentity  = make(map[string]PT)
		quarantined int
		line        int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			quarantined++
			log.Warn("artifact: quarantined malformed line", "stage", stage, "line", line, "err", err)
			continue
		}
		pt := PT(&rec)
		if err := pt.Validate(); err != nil {
			quarantined++
			log.Warn("artifact: quarantined invalid record", "stage", stage, "line", line, "err", err)
			continue
		}

		id := pt.Identity()
		if _, seen := byIdentity[id]; !seen {
			order = append(order, id)
		}
		byIdentity[id] = pt
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", path, err)
	}

	if quarantined > 0 {
		log.Warn("artifact: records quarantined on load", "stage", stage, "count", quarantined)
	}

	out := make([]PT, 0, len(order))
	for _, id := range order {
		out = append(out, byIdentity[id])
	}
	return out, nil
}

func writeRecords[T Record](w *bufio.Writer, stage string, records []T) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("artifact: refusing to write invalid record to %s: %w", stage, err)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("artifact: encode record for %s: %w", stage, err)
		}
	}
	return nil
}
