package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"
)

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorstore: failed to connect to postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the pgvector extension and the points table. The
// vector column is dimensioned at creation; changing the embedding model's
// dimension requires a new table.
func (p *PostgresStore) EnsureSchema(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("vectorstore: dimension must be positive, got %d", dimension)
	}

	if _, err := p.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("vectorstore: failed to create vector extension: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS points (
			id         BIGINT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			payload    JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dimension)
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("vectorstore: failed to create points table: %w", err)
	}

	if _, err := p.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_points_payload ON points USING GIN (payload)`); err != nil {
		return fmt.Errorf("vectorstore: failed to create payload index: %w", err)
	}
	return nil
}

// UpsertPoint merges a point by ID so repeated loads are idempotent.
func (p *PostgresStore) UpsertPoint(ctx context.Context, point *Point) error {
	if point == nil || len(point.Vector) == 0 {
		return fmt.Errorf("vectorstore: point requires a vector")
	}

	payloadJSON, err := json.Marshal(point.Payload)
	if err != nil {
		return fmt.Errorf("vectorstore: failed to marshal payload for point %d: %w", point.ID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO points (id, embedding, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			payload = excluded.payload,
			updated_at = now()`,
		point.ID, pgvector.NewVector(point.Vector), payloadJSON)
	if err != nil {
		return fmt.Errorf("vectorstore: failed to upsert point %d: %w", point.ID, err)
	}
	return nil
}

// QueryNearest returns the k points closest to the query vector by cosine
// distance, optionally filtered by payload equality.
func (p *PostgresStore) QueryNearest(ctx context.Context, vector []float32, k int, filter Filter) ([]*Scored, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vectorstore: query vector is empty")
	}
	if k <= 0 {
		k = 10
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, embedding, payload, 1 - (embedding <=> $1) AS score
		FROM points`)

	args := []any{pgvector.NewVector(vector)}
	var conds []string
	for key, val := range filter {
		args = append(args, key, val)
		conds = append(conds, fmt.Sprintf("payload->>$%d = $%d", len(args)-1, len(args)))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	args = append(args, k)
	fmt.Fprintf(&sb, " ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: nearest query failed: %w", err)
	}
	defer rows.Close()

	var out []*Scored
	for rows.Next() {
		point := &Point{}
		var vec pgvector.Vector
		var payloadJSON []byte
		var score float64
		if err := rows.Scan(&point.ID, &vec, &payloadJSON, &score); err != nil {
			return nil, fmt.Errorf("vectorstore: failed to scan result row: %w", err)
		}
		point.Vector = vec.Slice()
		if err := json.Unmarshal(payloadJSON, &point.Payload); err != nil {
			return nil, fmt.Errorf("vectorstore: corrupt payload on point %d: %w", point.ID, err)
		}
		out = append(out, &Scored{Point: point, Score: score})
	}
	return out, rows.Err()
}

// Retrieve fetches points by ID. Missing IDs are simply absent from the
// result; callers needing presence checks compare lengths.
func (p *PostgresStore) Retrieve(ctx context.Context, ids []int64) ([]*Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, embedding, payload FROM points WHERE id IN (%s)`,
		strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: retrieve failed: %w", err)
	}
	defer rows.Close()

	var out []*Point
	for rows.Next() {
		point := &Point{}
		var vec pgvector.Vector
		var payloadJSON []byte
		if err := rows.Scan(&point.ID, &vec, &payloadJSON); err != nil {
			return nil, fmt.Errorf("vectorstore: failed to scan point row: %w", err)
		}
		point.Vector = vec.Slice()
		if err := json.Unmarshal(payloadJSON, &point.Payload); err != nil {
			return nil, fmt.Errorf("vectorstore: corrupt payload on point %d: %w", point.ID, err)
		}
		out = append(out, point)
	}
	return out, rows.Err()
}

// Count returns the total number of stored points.
func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorstore: count failed: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
