// Package types defines the typed entities that flow between pipeline stages.
//
// Every entity is content-addressed: its identity hash is computed from the
// normalized fields returned by HashFields and never from volatile metadata
// such as ingestion wall-clock time. Records are validated at stage boundaries;
// malformed records are quarantined by the artifact store rather than silently
// propagated.
package types

import "errors"

var (
	// ErrInvalidRecord indicates that a record failed stage-boundary validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// NoiseLabel is the reserved cluster label meaning "noise / unclustered".
// Cluster labels are only meaningful within one completed clustering run;
// consumers must never assume label continuity across runs.
const NoiseLabel = -1
