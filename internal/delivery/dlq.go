package delivery

import "time"

const AbandonedType = "delivery.abandoned"

// Abandoned is published when a task exhausts its retries and its endpoint
// is deactivated.
type Abandoned struct {
	Type      string `json:"type"`    // "delivery.abandoned"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the task was abandoned
	Reason    string `json:"reason"`  // human/debug text
	Attempt   int    `json:"attempt"` // attempt count when abandoned
	LastError string `json:"last_error,omitempty"`
	Task      Task   `json:"task"` // full delivery snapshot
}

func NewAbandoned(t Task, attempt int, lastErr, reason string) Abandoned {
	return Abandoned{
		Type:      AbandonedType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Task:      t,
	}
}
