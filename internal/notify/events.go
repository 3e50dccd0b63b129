package notify

import "time"

// Event types broadcast over the progress feed.
const (
	EventRunStarted    = "run_started"
	EventStageFinished = "stage_finished"
	EventRunFinished   = "run_finished"
)

// RunEvent is one progress update from a pipeline run, broadcast to
// websocket subscribers.
type RunEvent struct {
	Type      string    `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Status    string    `json:"status,omitempty"`
	New       int       `json:"new,omitempty"`
	Existing  int       `json:"existing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
