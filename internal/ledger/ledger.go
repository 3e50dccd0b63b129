// Package ledger implements the per-stage "already processed" hash sets that
// make the pipeline incremental and resumable.
//
// Each stage owns one newline-delimited ledger file under <data>/ledger/. The
// first line is a version header; every following line is a hash plus the
// RFC 3339 time it was marked done. The format is deliberately language
// neutral: no binary or tool-specific serialization.
//
// A corrupt or unreadable ledger is treated as empty with a warning, which
// forces safe reprocessing; the content-addressed artifact store makes the
// replay idempotent, so correctness wins over availability here.
package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// header identifies the ledger file format. A file whose first line does not
// match is considered corrupt in its entirety.
const header = "loom-ledger v1"

// Ledger manages the hash sets for all stages. It is safe for concurrent use,
// though the orchestrator enforces a single writer per stage.
type Ledger struct {
	dir string

	mu    sync.Mutex
	cache map[string]map[string]struct{} // stage -> loaded hash set
}

// New creates a ledger rooted at dir, creating the directory if needed.
func New(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir %s: %w", dir, err)
	}
	return &Ledger{dir: dir, cache: make(map[string]map[string]struct{})}, nil
}

// Load returns all hashes previously marked done for a stage. An absent file
// means a first run and yields an empty set. The returned map is a copy; the
// caller may mutate it freely.
func (l *Ledger) Load(stage string) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.loadLocked(stage)
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{}, len(set))
	for h := range set {
		out[h] = struct{}{}
	}
	return out, nil
}

// IsNew reports whether a hash has not yet been marked done for a stage.
func (l *Ledger) IsNew(stage, hash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.loadLocked(stage)
	if err != nil {
		return false, err
	}
	_, done := set[hash]
	return !done, nil
}

// MarkDone appends hashes to a stage's ledger and syncs the file to disk
// before returning. Callers must only mark a hash after its corresponding
// artifact has been durably written; the orchestrator enforces that ordering.
func (l *Ledger) MarkDone(stage string, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.loadLocked(stage)
	if err != nil {
		return err
	}

	path := l.path(stage)

	// A corrupt file must not be appended to: its entries are invisible to
	// loadLocked forever. Truncate and start over with a valid header; the
	// in-memory set already treats the old contents as unprocessed.
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	rewrite := !fileExists(path) || !headerValid(path)
	if rewrite && fileExists(path) {
		log.Warn("ledger: rewriting corrupt file", "stage", stage)
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	now := time.Now().UTC().Format(time.RFC3339)
	if rewrite {
		if _, err := fmt.Fprintln(w, header); err != nil {
			return fmt.Errorf("ledger: write header: %w", err)
		}
		// Re-emit anything already held in memory so a truncation never
		// loses marks from earlier in this process.
		for h := range set {
			if _, err := fmt.Fprintf(w, "%s %s\n", h, now); err != nil {
				return fmt.Errorf("ledger: write entry: %w", err)
			}
		}
	}
	for _, h := range hashes {
		if _, dup := set[h]; dup {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", h, now); err != nil {
			return fmt.Errorf("ledger: write entry: %w", err)
		}
		set[h] = struct{}{}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("ledger: flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("ledger: sync %s: %w", path, err)
	}
	return nil
}

// Reset removes a stage's ledger, forcing full reprocessing on the next run.
// Used by force-reprocess mode.
func (l *Ledger) Reset(stage string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.cache, stage)
	if err := os.Remove(l.path(stage)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ledger: reset %s: %w", stage, err)
	}
	return nil
}

// loadLocked returns the live hash set for a stage, reading the file on first
// access. Must be called with l.mu held.
func (l *Ledger) loadLocked(stage string) (map[string]struct{}, error) {
	if set, ok := l.cache[stage]; ok {
		return set, nil
	}

	set := make(map[string]struct{})
	path := l.path(stage)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.cache[stage] = set
			return set, nil
		}
		// Unreadable counts as corrupt: warn and reprocess.
		log.Warn("ledger: unreadable, treating as empty", "stage", stage, "err", err)
		l.cache[stage] = set
		return set, nil
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != header {
		log.Warn("ledger: corrupt header, treating as empty (full reprocess)", "stage", stage)
		l.cache[stage] = set
		return set, nil
	}

	line := 1
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		h, _, _ := strings.Cut(text, " ")
		if !isHexHash(h) {
			log.Warn("ledger: skipping malformed entry", "stage", stage, "line", line)
			continue
		}
		set[h] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("ledger: read error, treating remainder as unprocessed", "stage", stage, "err", err)
	}

	l.cache[stage] = set
	return set, nil
}

func (l *Ledger) path(stage string) string {
	return filepath.Join(l.dir, stage+".ledger")
}

func isHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// headerValid reports whether an existing ledger file starts with the format
// header. Unreadable files count as invalid.
func headerValid(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	return scanner.Scan() && strings.TrimSpace(scanner.Text()) == header
}
