// Package graphstore defines the graph-side projection of the pipeline
// artifacts. The graph is downstream of the artifact files, never the source
// of truth; every write is an upsert so repeated loads are idempotent.
package graphstore

import (
	"context"
	"errors"
)

// Node labels used by the loader. Keys are the cross-reference identifiers
// shared with the vector store payloads.
const (
	LabelChat    = "Chat"    // key: chat_hash
	LabelMessage = "Message" // key: message_hash
	LabelChunk   = "Chunk"   // key: chunk_id
	LabelCluster = "Cluster" // key: <run_id>:<label>
	LabelTag     = "Tag"     // key: <domain>:<name>
)

// Edge types between the node labels above.
const (
	EdgeContains   = "CONTAINS"    // Chat -> Message
	EdgeChunkOf    = "CHUNK_OF"    // Chunk -> Message
	EdgeInCluster  = "IN_CLUSTER"  // Chunk -> Cluster
	EdgeTagged     = "TAGGED"      // Message/Chat -> Tag
	EdgeSimilarTo  = "SIMILAR_TO"  // Chat -> Chat
)

// ErrNotFound is returned by point reads when no node matches.
var ErrNotFound = errors.New("graphstore: not found")

// Ref identifies one node.
type Ref struct {
	Label string
	Key   string
}

// Node is a stored node with its decoded properties.
type Node struct {
	Label string         `json:"label"`
	Key   string         `json:"key"`
	Props map[string]any `json:"props"`
}

// Edge is a stored relationship with its decoded properties.
type Edge struct {
	Type  string         `json:"type"`
	From  Ref            `json:"from"`
	To    Ref            `json:"to"`
	Props map[string]any `json:"props"`
}

// Store is the graph store interface consumed by the loader, the verifier,
// and the read API.
type Store interface {
	UpsertNode(ctx context.Context, label, key string, props map[string]any) error
	UpsertEdge(ctx context.Context, typ string, from, to Ref, props map[string]any) error
	GetNode(ctx context.Context, label, key string) (*Node, error)
	CountNodes(ctx context.Context, label string) (int, error)
	SampleNodes(ctx context.Context, label string, n int) ([]*Node, error)
	Neighbors(ctx context.Context, typ string, from Ref) ([]*Node, error)
	NodesByLabel(ctx context.Context, label string, limit int) ([]*Node, error)
	// PruneNodes deletes nodes of a label whose key does not start with
	// keepPrefix, along with their edges. Used to retire cluster nodes of
	// superseded runs, whose labels are not comparable across runs.
	PruneNodes(ctx context.Context, label, keepPrefix string) (int, error)
	Close() error
}
