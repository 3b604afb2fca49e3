package webhook

import (
	"errors"
	"testing"
)

func TestParseEventKind(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    EventKind
		wantErr bool
	}{
		{name: "issue", input: "issue", want: KindIssue},
		{name: "mixed case with spaces", input: "  Issue_Comment ", want: KindIssueComment},
		{name: "cycle issue", input: "cycle_issue", want: KindCycleIssue},
		{name: "unknown", input: "page", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEventKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEventKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrUnknownKind) {
				t.Errorf("ParseEventKind(%q) error = %v, want ErrUnknownKind", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseEventKind(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEventKindTopic(t *testing.T) {
	want := map[EventKind]Topic{
		KindProject:      TopicProject,
		KindIssue:        TopicIssue,
		KindCycle:        TopicCycle,
		KindCycleIssue:   TopicCycle,
		KindModule:       TopicModule,
		KindModuleIssue:  TopicModule,
		KindIssueComment: TopicIssueComment,
	}
	for _, k := range Kinds {
		got, err := k.Topic()
		if err != nil {
			t.Errorf("%q.Topic() unexpected error: %v", k, err)
			continue
		}
		if got != want[k] {
			t.Errorf("%q.Topic() = %q, want %q", k, got, want[k])
		}
	}

	if _, err := EventKind("label").Topic(); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind Topic() error = %v, want ErrUnknownKind", err)
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		input   string
		want    Action
		wantErr bool
	}{
		{input: "create", want: ActionCreate},
		{input: "POST", want: ActionCreate},
		{input: "update", want: ActionUpdate},
		{input: "PATCH", want: ActionUpdate},
		{input: "put", want: ActionUpdate},
		{input: "DELETE", want: ActionDelete},
		{input: "archive", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAction(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAction(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseAction(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSubscriptionsWants(t *testing.T) {
	subs := Subscriptions{Issue: true, Cycle: true}

	tests := []struct {
		kind EventKind
		want bool
	}{
		{KindIssue, true},
		{KindCycle, true},
		{KindCycleIssue, true},
		{KindModule, false},
		{KindModuleIssue, false},
		{KindProject, false},
		{KindIssueComment, false},
		{EventKind("bogus"), false},
	}
	for _, tt := range tests {
		if got := subs.Wants(tt.kind); got != tt.want {
			t.Errorf("Wants(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr error
	}{
		{
			name:  "single entity",
			event: Event{Kind: KindIssue, TenantID: "t1", EntityIDs: []string{"I1"}, Action: ActionCreate},
		},
		{
			name:  "bulk with empty list",
			event: Event{Kind: KindIssue, TenantID: "t1", Many: true, Action: ActionUpdate},
		},
		{
			name:    "unknown kind",
			event:   Event{Kind: "page", TenantID: "t1", EntityIDs: []string{"P1"}, Action: ActionCreate},
			wantErr: ErrUnknownKind,
		},
		{
			name:    "unknown action",
			event:   Event{Kind: KindIssue, TenantID: "t1", EntityIDs: []string{"I1"}, Action: "archive"},
			wantErr: ErrUnknownAction,
		},
		{
			name:    "missing tenant",
			event:   Event{Kind: KindIssue, EntityIDs: []string{"I1"}, Action: ActionCreate},
			wantErr: ErrInvalidEvent,
		},
		{
			name:    "two ids without many",
			event:   Event{Kind: KindIssue, TenantID: "t1", EntityIDs: []string{"I1", "I2"}, Action: ActionCreate},
			wantErr: ErrInvalidEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventNormalize(t *testing.T) {
	in := Event{Kind: "ISSUE", TenantID: "t1", EntityIDs: []string{"I1"}, Action: "DELETE"}
	got, err := in.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if got.Kind != KindIssue || got.Action != ActionDelete {
		t.Errorf("Normalize() kind/action = %q/%q, want issue/delete", got.Kind, got.Action)
	}
	if got.TenantID != "t1" || got.EntityID() != "I1" {
		t.Errorf("Normalize() dropped fields: %+v", got)
	}
	if in.Action != "DELETE" {
		t.Error("Normalize() modified its receiver")
	}

	if _, err := (Event{Kind: KindIssue, TenantID: "t1", EntityIDs: []string{"I1"}, Action: "archive"}).Normalize(); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Normalize() error = %v, want %v", err, ErrUnknownAction)
	}
}

func TestEndpointSigned(t *testing.T) {
	if (Endpoint{}).Signed() {
		t.Error("endpoint without secret reported as signed")
	}
	if !(Endpoint{Secret: []byte("s")}).Signed() {
		t.Error("endpoint with secret reported as unsigned")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{raw: "https://hooks.example.com/plane", wantErr: false},
		{raw: "http://localhost:8081/hook", wantErr: false},
		{raw: "", wantErr: true},
		{raw: "not a url", wantErr: true},
		{raw: "ftp://example.com/x", wantErr: true},
		{raw: "/relative/path", wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ValidateURL(%q) error = %v, want ErrInvalidURL", tt.raw, err)
		}
	}
}
