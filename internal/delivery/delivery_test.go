package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/austindbirch/relayhook/internal/webhook"
)

func TestNewTask(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := webhook.Event{
		Kind:      webhook.KindIssue,
		TenantID:  "tenant-1",
		EntityIDs: []string{"I1"},
		Action:    webhook.ActionCreate,
	}

	task := NewTask(ev, "endpoint-1", now)

	if task.DeliveryID == "" {
		t.Error("NewTask() DeliveryID is empty")
	}
	if task.Attempt != 0 {
		t.Errorf("NewTask() Attempt = %d, want 0", task.Attempt)
	}
	if !task.NotBefore.Equal(now) {
		t.Errorf("NewTask() NotBefore = %v, want %v", task.NotBefore, now)
	}
	if task.EndpointID != "endpoint-1" || task.TenantID != "tenant-1" {
		t.Errorf("NewTask() endpoint/tenant = %q/%q", task.EndpointID, task.TenantID)
	}
	if task.EventKind != webhook.KindIssue || task.Action != webhook.ActionCreate {
		t.Errorf("NewTask() kind/action = %q/%q", task.EventKind, task.Action)
	}

	// the task owns its ids
	ev.EntityIDs[0] = "changed"
	if task.EntityIDs[0] != "I1" {
		t.Errorf("NewTask() shares entity id slice with event")
	}

	other := NewTask(ev, "endpoint-1", now)
	if other.DeliveryID == task.DeliveryID {
		t.Error("NewTask() returned duplicate delivery ids")
	}
}

func TestTaskRetry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := Task{DeliveryID: "d-1", Attempt: 2, NotBefore: now}

	next := task.Retry(now, 10*time.Minute)

	if next.DeliveryID != task.DeliveryID {
		t.Errorf("Retry() DeliveryID = %q, want %q", next.DeliveryID, task.DeliveryID)
	}
	if next.Attempt != 3 {
		t.Errorf("Retry() Attempt = %d, want 3", next.Attempt)
	}
	if want := now.Add(10 * time.Minute); !next.NotBefore.Equal(want) {
		t.Errorf("Retry() NotBefore = %v, want %v", next.NotBefore, want)
	}
	if task.Attempt != 2 {
		t.Errorf("Retry() mutated the original task")
	}
}

func TestTaskPendingAbandon(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	task := Task{DeliveryID: "d-1", Attempt: 4, NotBefore: now}

	next := task.PendingAbandon(5, now, 30*time.Second, "context deadline exceeded", "timeout")

	if next.DeliveryID != "d-1" || next.Attempt != 5 {
		t.Errorf("PendingAbandon() = %s attempt %d, want d-1 attempt 5", next.DeliveryID, next.Attempt)
	}
	if !next.Abandoning || next.LastError != "context deadline exceeded" || next.FailureReason != "timeout" {
		t.Errorf("PendingAbandon() = %+v, want abandoning with last error and reason", next)
	}
	if want := now.Add(30 * time.Second); !next.NotBefore.Equal(want) {
		t.Errorf("PendingAbandon() NotBefore = %v, want %v", next.NotBefore, want)
	}
	if task.Abandoning {
		t.Error("PendingAbandon() mutated the original task")
	}
}

func TestTaskDue(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		notBefore time.Time
		want      bool
	}{
		{name: "zero not_before", notBefore: time.Time{}, want: true},
		{name: "past", notBefore: now.Add(-time.Second), want: true},
		{name: "exactly now", notBefore: now, want: true},
		{name: "future", notBefore: now.Add(time.Second), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Task{NotBefore: tt.notBefore}).Due(now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskJSONFieldNames(t *testing.T) {
	task := Task{
		DeliveryID: "d-1",
		TenantID:   "t-1",
		EndpointID: "e-1",
		EventKind:  webhook.KindModuleIssue,
		EntityIDs:  []string{"M1"},
		Action:     webhook.ActionDelete,
		Attempt:    4,
	}
	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	for _, key := range []string{"delivery_id", "tenant_id", "endpoint_id", "event_kind", "entity_ids", "action", "attempt", "not_before"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("task JSON missing %q: %s", key, b)
		}
	}
	for _, key := range []string{"trace_headers", "abandoning", "last_error", "failure_reason"} {
		if _, ok := raw[key]; ok {
			t.Errorf("task JSON has empty %s: %s", key, b)
		}
	}
}

func TestNewAbandoned(t *testing.T) {
	task := Task{DeliveryID: "d-1", EndpointID: "e-1"}
	before := time.Now()
	ab := NewAbandoned(task, 5, "dial tcp: connection refused", "max attempts reached (5)")
	after := time.Now()

	if ab.Type != AbandonedType {
		t.Errorf("NewAbandoned() Type = %q, want %q", ab.Type, AbandonedType)
	}
	if ab.Version != "v1" {
		t.Errorf("NewAbandoned() Version = %q, want v1", ab.Version)
	}
	if ab.Attempt != 5 {
		t.Errorf("NewAbandoned() Attempt = %d, want 5", ab.Attempt)
	}
	if ab.Task.DeliveryID != "d-1" {
		t.Errorf("NewAbandoned() Task.DeliveryID = %q, want d-1", ab.Task.DeliveryID)
	}
	at, err := time.Parse(time.RFC3339Nano, ab.At)
	if err != nil {
		t.Fatalf("NewAbandoned() At parse error: %v", err)
	}
	if at.Before(before.Truncate(time.Second)) || at.After(after) {
		t.Errorf("NewAbandoned() At %v not between %v and %v", at, before, after)
	}
}
