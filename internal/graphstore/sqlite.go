package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite" // SQLite driver
)

// schema is the property-graph projection: nodes keyed by (label, key) and
// edges keyed by the full endpoint tuple. Properties are JSON blobs because
// the read queries filter by key, not by property.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    label      TEXT NOT NULL,
    key        TEXT NOT NULL,
    props      TEXT NOT NULL DEFAULT '{}',
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (label, key)
);

CREATE TABLE IF NOT EXISTS edges (
    type       TEXT NOT NULL,
    from_label TEXT NOT NULL,
    from_key   TEXT NOT NULL,
    to_label   TEXT NOT NULL,
    to_key     TEXT NOT NULL,
    props      TEXT NOT NULL DEFAULT '{}',
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (type, from_label, from_key, to_label, to_key)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_label, from_key);
CREATE INDEX IF NOT EXISTS idx_edges_to   ON edges(to_label, to_key);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the graph database with WAL self-healing. If the
// initial open fails due to stale WAL files left behind by a crashed process,
// it verifies no other process holds them and retries once after removing
// the stale -shm/-wal files.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	store, err := open(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}

	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := open(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("graphstore: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Warn("graphstore: recovered from stale WAL files", "path", dbPath)
	return store, nil
}

func open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("graphstore: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("graphstore: %s failed: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphstore: failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// UpsertNode merges a node by (label, key). Properties are replaced, not
// merged field-by-field; loaders always write the full property set.
func (s *SQLiteStore) UpsertNode(ctx context.Context, label, key string, props map[string]any) error {
	if label == "" || key == "" {
		return fmt.Errorf("graphstore: node requires label and key")
	}
	propsJSON, err := marshalProps(props)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (label, key, props, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(label, key) DO UPDATE SET
			props = excluded.props,
			updated_at = CURRENT_TIMESTAMP`,
		label, key, propsJSON)
	if err != nil {
		return fmt.Errorf("graphstore: failed to upsert node %s:%s: %w", label, key, err)
	}
	return nil
}

// UpsertEdge merges an edge by its full endpoint tuple.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, typ string, from, to Ref, props map[string]any) error {
	if typ == "" || from.Key == "" || to.Key == "" {
		return fmt.Errorf("graphstore: edge requires type and both endpoints")
	}
	propsJSON, err := marshalProps(props)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edges (type, from_label, from_key, to_label, to_key, props, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(type, from_label, from_key, to_label, to_key) DO UPDATE SET
			props = excluded.props,
			updated_at = CURRENT_TIMESTAMP`,
		typ, from.Label, from.Key, to.Label, to.Key, propsJSON)
	if err != nil {
		return fmt.Errorf("graphstore: failed to upsert edge %s %s:%s -> %s:%s: %w",
			typ, from.Label, from.Key, to.Label, to.Key, err)
	}
	return nil
}

// GetNode reads one node or returns ErrNotFound.
func (s *SQLiteStore) GetNode(ctx context.Context, label, key string) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT props FROM nodes WHERE label = ? AND key = ?`, label, key)

	var propsJSON string
	if err := row.Scan(&propsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: node %s:%s", ErrNotFound, label, key)
		}
		return nil, fmt.Errorf("graphstore: failed to read node %s:%s: %w", label, key, err)
	}
	return decodeNode(label, key, propsJSON)
}

// CountNodes counts the nodes with a label.
func (s *SQLiteStore) CountNodes(ctx context.Context, label string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE label = ?`, label).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("graphstore: failed to count %s nodes: %w", label, err)
	}
	return n, nil
}

// SampleNodes returns up to n random nodes of a label. Used by the
// cross-reference verifier.
func (s *SQLiteStore) SampleNodes(ctx context.Context, label string, n int) ([]*Node, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, props FROM nodes WHERE label = ? ORDER BY RANDOM() LIMIT ?`, label, n)
	if err != nil {
		return nil, fmt.Errorf("graphstore: failed to sample %s nodes: %w", label, err)
	}
	defer rows.Close()
	return scanNodes(rows, label)
}

// Neighbors returns the target nodes of all edges of a type leaving from.
func (s *SQLiteStore) Neighbors(ctx context.Context, typ string, from Ref) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.label, n.key, n.props
		FROM edges e
		JOIN nodes n ON n.label = e.to_label AND n.key = e.to_key
		WHERE e.type = ? AND e.from_label = ? AND e.from_key = ?`,
		typ, from.Label, from.Key)
	if err != nil {
		return nil, fmt.Errorf("graphstore: failed to query %s neighbors of %s:%s: %w",
			typ, from.Label, from.Key, err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var label, key, propsJSON string
		if err := rows.Scan(&label, &key, &propsJSON); err != nil {
			return nil, fmt.Errorf("graphstore: failed to scan neighbor row: %w", err)
		}
		node, err := decodeNode(label, key, propsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// NodesByLabel lists nodes of a label, newest first.
func (s *SQLiteStore) NodesByLabel(ctx context.Context, label string, limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, props FROM nodes WHERE label = ? ORDER BY updated_at DESC, key LIMIT ?`,
		label, limit)
	if err != nil {
		return nil, fmt.Errorf("graphstore: failed to list %s nodes: %w", label, err)
	}
	defer rows.Close()
	return scanNodes(rows, label)
}

// PruneNodes deletes nodes of a label whose key lacks keepPrefix, plus the
// edges touching them. Returns the number of nodes removed.
func (s *SQLiteStore) PruneNodes(ctx context.Context, label, keepPrefix string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("graphstore: failed to begin prune: %w", err)
	}
	defer tx.Rollback()

	pattern := keepPrefix + "%"
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM edges
		WHERE (from_label = ? AND from_key NOT LIKE ?)
		   OR (to_label = ? AND to_key NOT LIKE ?)`,
		label, pattern, label, pattern); err != nil {
		return 0, fmt.Errorf("graphstore: failed to prune %s edges: %w", label, err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE label = ? AND key NOT LIKE ?`, label, pattern)
	if err != nil {
		return 0, fmt.Errorf("graphstore: failed to prune %s nodes: %w", label, err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("graphstore: failed to commit prune: %w", err)
	}
	return int(removed), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalProps(props map[string]any) (string, error) {
	if props == nil {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("graphstore: failed to marshal props: %w", err)
	}
	return string(b), nil
}

func decodeNode(label, key, propsJSON string) (*Node, error) {
	node := &Node{Label: label, Key: key}
	if err := json.Unmarshal([]byte(propsJSON), &node.Props); err != nil {
		return nil, fmt.Errorf("graphstore: corrupt props on node %s:%s: %w", label, key, err)
	}
	return node, nil
}

func scanNodes(rows *sql.Rows, label string) ([]*Node, error) {
	var out []*Node
	for rows.Next() {
		var key, propsJSON string
		if err := rows.Scan(&key, &propsJSON); err != nil {
			return nil, fmt.Errorf("graphstore: failed to scan node row: %w", err)
		}
		node, err := decodeNode(label, key, propsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}
	return dsn
}

// isRecoverableWALError reports whether the error matches patterns caused by
// stale WAL files left behind after a crash (SIGKILL, OOM).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the database path AND
// no other process currently holds them open. Returns false when lsof is
// unavailable so nothing gets deleted on uncertain evidence.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when no files are open, which means stale.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("graphstore: failed to remove stale WAL file", "path", path, "err", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
