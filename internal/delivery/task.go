package delivery

import (
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/relayhook/internal/webhook"
)

// Task is one unit of work: notify a single endpoint of a single event.
// DeliveryID stays the same across retries so log entries can be correlated.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	TenantID     string            `json:"tenant_id"`
	EndpointID   string            `json:"endpoint_id"`
	EventKind    webhook.EventKind `json:"event_kind"`
	EntityIDs    []string          `json:"entity_ids"`
	Many         bool              `json:"many,omitempty"`
	Action       webhook.Action    `json:"action"`
	Attempt      int               `json:"attempt"`
	NotBefore    time.Time         `json:"not_before"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers

	// Set once the final attempt is logged but deactivating the endpoint
	// failed. Such a task only finishes abandonment and is never sent again.
	Abandoning    bool   `json:"abandoning,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// NewTask builds the first attempt of a delivery of ev to endpointID.
func NewTask(ev webhook.Event, endpointID string, now time.Time) Task {
	ids := make([]string, len(ev.EntityIDs))
	copy(ids, ev.EntityIDs)
	return Task{
		DeliveryID:  uuid.NewString(),
		TenantID:    ev.TenantID,
		EndpointID:  endpointID,
		EventKind:   ev.Kind,
		EntityIDs:   ids,
		Many:        ev.Many,
		Action:      ev.Action,
		Attempt:     0,
		NotBefore:   now.UTC(),
		PublishedAt: now.UTC().Format(time.RFC3339),
	}
}

// Due reports whether the task may be processed at now.
func (t Task) Due(now time.Time) bool {
	return !now.Before(t.NotBefore)
}

// Retry returns the next attempt of t, due at now+delay.
func (t Task) Retry(now time.Time, delay time.Duration) Task {
	next := t
	next.Attempt = t.Attempt + 1
	next.NotBefore = now.Add(delay).UTC()
	return next
}

// PendingAbandon returns t marked for abandonment after attempts failures,
// due at now+delay. lastErr and reason describe the final failure.
func (t Task) PendingAbandon(attempts int, now time.Time, delay time.Duration, lastErr, reason string) Task {
	next := t
	next.Attempt = attempts
	next.NotBefore = now.Add(delay).UTC()
	next.Abandoning = true
	next.LastError = lastErr
	next.FailureReason = reason
	return next
}
