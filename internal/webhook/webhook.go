package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrUnknownKind   = errors.New("unknown event kind")
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidEvent  = errors.New("invalid event")
	ErrInvalidURL    = errors.New("invalid endpoint url")
)

// EventKind is the category of domain entity that changed.
type EventKind string

const (
	KindProject      EventKind = "project"
	KindIssue        EventKind = "issue"
	KindCycle        EventKind = "cycle"
	KindModule       EventKind = "module"
	KindCycleIssue   EventKind = "cycle_issue"
	KindModuleIssue  EventKind = "module_issue"
	KindIssueComment EventKind = "issue_comment"
)

// Kinds lists every event kind in a stable order.
var Kinds = []EventKind{
	KindProject,
	KindIssue,
	KindCycle,
	KindModule,
	KindCycleIssue,
	KindModuleIssue,
	KindIssueComment,
}

// ParseEventKind validates s against the closed set of kinds.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindProject, KindIssue, KindCycle, KindModule,
		KindCycleIssue, KindModuleIssue, KindIssueComment:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Topic is the subscription flag an event kind is filtered on.
type Topic string

const (
	TopicProject      Topic = "project"
	TopicIssue        Topic = "issue"
	TopicModule       Topic = "module"
	TopicCycle        Topic = "cycle"
	TopicIssueComment Topic = "issue_comment"
)

// Topic returns the subscription flag for k. Membership kinds share the flag
// of their container.
func (k EventKind) Topic() (Topic, error) {
	switch k {
	case KindProject:
		return TopicProject, nil
	case KindIssue:
		return TopicIssue, nil
	case KindCycle, KindCycleIssue:
		return TopicCycle, nil
	case KindModule, KindModuleIssue:
		return TopicModule, nil
	case KindIssueComment:
		return TopicIssueComment, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
}

// Action is what happened to the entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction accepts the canonical action names and the HTTP verbs that
// produce them.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATE", "POST":
		return ActionCreate, nil
	case "UPDATE", "PATCH", "PUT":
		return ActionUpdate, nil
	case "DELETE":
		return ActionDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Subscriptions holds the per-topic opt-in flags of an endpoint.
type Subscriptions struct {
	Project      bool `json:"project"`
	Issue        bool `json:"issue"`
	Module       bool `json:"module"`
	Cycle        bool `json:"cycle"`
	IssueComment bool `json:"issue_comment"`
}

// Has reports whether the flag for t is set.
func (s Subscriptions) Has(t Topic) bool {
	switch t {
	case TopicProject:
		return s.Project
	case TopicIssue:
		return s.Issue
	case TopicModule:
		return s.Module
	case TopicCycle:
		return s.Cycle
	case TopicIssueComment:
		return s.IssueComment
	}
	return false
}

// Wants reports whether an endpoint with these flags should receive events
// of kind k.
func (s Subscriptions) Wants(k EventKind) bool {
	t, err := k.Topic()
	if err != nil {
		return false
	}
	return s.Has(t)
}

// Endpoint is an externally registered HTTP receiver.
type Endpoint struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	URL           string        `json:"url"`
	Secret        []byte        `json:"-"`
	IsActive      bool          `json:"is_active"`
	Subscriptions Subscriptions `json:"subscriptions"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Signed reports whether deliveries to the endpoint carry a signature.
func (e Endpoint) Signed() bool { return len(e.Secret) > 0 }

// Event is raised when a domain mutation commits. EntityIDs holds a single id
// unless Many is set.
type Event struct {
	Kind      EventKind `json:"kind"`
	TenantID  string    `json:"tenant_id"`
	EntityIDs []string  `json:"entity_ids"`
	Many      bool      `json:"many,omitempty"`
	Action    Action    `json:"action"`
}

// Validate checks the event is fully formed.
func (e Event) Validate() error {
	_, err := e.Normalize()
	return err
}

// Normalize validates e and returns a copy with canonical kind and action,
// so "DELETE" or "Issue" from a caller become ActionDelete and KindIssue.
func (e Event) Normalize() (Event, error) {
	k, err := ParseEventKind(string(e.Kind))
	if err != nil {
		return Event{}, err
	}
	a, err := ParseAction(string(e.Action))
	if err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return Event{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	if !e.Many && len(e.EntityIDs) != 1 {
		return Event{}, fmt.Errorf("%w: exactly one entity id expected, got %d", ErrInvalidEvent, len(e.EntityIDs))
	}
	e.Kind = k
	e.Action = a
	return e, nil
}

// EntityID returns the single entity id of a non-bulk event.
func (e Event) EntityID() string {
	if len(e.EntityIDs) == 0 {
		return ""
	}
	return e.EntityIDs[0]
}
