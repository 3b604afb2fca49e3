package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/relayhook/internal/webhook"
)

type mapProvider struct {
	docs  map[string]any
	calls atomic.Int32
}

func (m *mapProvider) GetSerialized(_ context.Context, id string) (any, error) {
	m.calls.Add(1)
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func TestResolveDelete(t *testing.T) {
	p := &mapProvider{}
	r := NewResolver(map[webhook.EventKind]Provider{webhook.KindIssue: p}, time.Second)

	data, err := r.Resolve(context.Background(), webhook.KindIssue, []string{"I1"}, false, webhook.ActionDelete)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	b, _ := json.Marshal(data)
	if string(b) != `{"id":"I1"}` {
		t.Errorf("delete data = %s, want {\"id\":\"I1\"}", b)
	}

	data, err = r.Resolve(context.Background(), webhook.KindIssue, []string{"I1", "I2"}, true, webhook.ActionDelete)
	if err != nil {
		t.Fatalf("Resolve() many error: %v", err)
	}
	b, _ = json.Marshal(data)
	if string(b) != `[{"id":"I1"},{"id":"I2"}]` {
		t.Errorf("bulk delete data = %s", b)
	}

	if p.calls.Load() != 0 {
		t.Errorf("provider called %d times for deletes, want 0", p.calls.Load())
	}
}

func TestResolveDeleteWithoutProvider(t *testing.T) {
	r := NewResolver(nil, 0)
	if _, err := r.Resolve(context.Background(), webhook.KindCycle, []string{"C1"}, false, webhook.ActionDelete); err != nil {
		t.Errorf("Resolve() delete without provider error: %v", err)
	}
}

func TestResolveSingle(t *testing.T) {
	p := &mapProvider{docs: map[string]any{"I1": map[string]any{"id": "I1", "name": "Bug"}}}
	r := NewResolver(map[webhook.EventKind]Provider{webhook.KindIssue: p}, time.Second)

	data, err := r.Resolve(context.Background(), webhook.KindIssue, []string{"I1"}, false, webhook.ActionCreate)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	doc, ok := data.(map[string]any)
	if !ok || doc["name"] != "Bug" {
		t.Errorf("Resolve() = %v, want issue document", data)
	}
}

func TestResolveNotFoundIsNil(t *testing.T) {
	p := &mapProvider{docs: map[string]any{}}
	r := NewResolver(map[webhook.EventKind]Provider{webhook.KindIssue: p}, time.Second)

	data, err := r.Resolve(context.Background(), webhook.KindIssue, []string{"gone"}, false, webhook.ActionUpdate)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if data != nil {
		t.Errorf("Resolve() = %v, want nil for missing entity", data)
	}
}

func TestResolveManySkipsMissing(t *testing.T) {
	p := &mapProvider{docs: map[string]any{"A": "a", "C": "c"}}
	r := NewResolver(map[webhook.EventKind]Provider{webhook.KindModuleIssue: p}, 0)

	data, err := r.Resolve(context.Background(), webhook.KindModuleIssue, []string{"A", "B", "C"}, true, webhook.ActionCreate)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	docs, ok := data.([]any)
	if !ok || len(docs) != 2 {
		t.Errorf("Resolve() = %v, want two documents", data)
	}
}

func TestResolveProviderError(t *testing.T) {
	boom := errors.New("connection refused")
	p := ProviderFunc(func(context.Context, string) (any, error) { return nil, boom })
	r := NewResolver(map[webhook.EventKind]Provider{webhook.KindProject: p}, time.Second)

	_, err := r.Resolve(context.Background(), webhook.KindProject, []string{"P1"}, false, webhook.ActionUpdate)
	if !errors.Is(err, boom) {
		t.Errorf("Resolve() error = %v, want wrapped provider error", err)
	}
}

func TestResolveTimeout(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, _ string) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return "late", nil
		}
	})
	r := NewResolver(map[webhook.EventKind]Provider{webhook.KindIssue: p}, 20*time.Millisecond)

	start := time.Now()
	_, err := r.Resolve(context.Background(), webhook.KindIssue, []string{"I1"}, false, webhook.ActionUpdate)
	if err == nil {
		t.Fatal("Resolve() expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Resolve() took %v, want bounded by timeout", time.Since(start))
	}
}

func TestResolveUnknownKind(t *testing.T) {
	r := NewResolver(map[webhook.EventKind]Provider{}, 0)
	_, err := r.Resolve(context.Background(), webhook.KindIssue, []string{"I1"}, false, webhook.ActionCreate)
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("Resolve() error = %v, want ErrNoProvider", err)
	}
}

func TestValidate(t *testing.T) {
	full := map[webhook.EventKind]Provider{}
	for _, k := range webhook.Kinds {
		full[k] = &mapProvider{}
	}
	if err := NewResolver(full, 0).Validate(); err != nil {
		t.Errorf("Validate() with all kinds error: %v", err)
	}

	delete(full, webhook.KindIssueComment)
	err := NewResolver(full, 0).Validate()
	if !errors.Is(err, ErrNoProvider) || !strings.Contains(err.Error(), "issue_comment") {
		t.Errorf("Validate() error = %v, want missing issue_comment", err)
	}
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

type fakeQuerier struct {
	sql string
	row pgx.Row
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.sql = sql
	return f.row
}

func TestPostgresProvider(t *testing.T) {
	q := &fakeQuerier{row: rowFunc(func(dest ...any) error {
		*(dest[0].(*[]byte)) = []byte(`{"id":"I1","name":"Bug"}`)
		return nil
	})}
	p, err := NewPostgresProvider(q, "app.issues")
	if err != nil {
		t.Fatalf("NewPostgresProvider() error: %v", err)
	}
	doc, err := p.GetSerialized(context.Background(), "I1")
	if err != nil {
		t.Fatalf("GetSerialized() error: %v", err)
	}
	if string(doc.(json.RawMessage)) != `{"id":"I1","name":"Bug"}` {
		t.Errorf("GetSerialized() = %s", doc)
	}
	if !strings.Contains(q.sql, "row_to_json(t) FROM app.issues t") {
		t.Errorf("query = %s", q.sql)
	}

	q.row = rowFunc(func(...any) error { return pgx.ErrNoRows })
	if _, err := p.GetSerialized(context.Background(), "I2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSerialized() missing error = %v, want ErrNotFound", err)
	}
}

func TestPostgresProviderRejectsBadTable(t *testing.T) {
	for _, table := range []string{"", "issues; DROP TABLE x", "a.b.c", "1issues"} {
		if _, err := NewPostgresProvider(&fakeQuerier{}, table); err == nil {
			t.Errorf("NewPostgresProvider(%q) expected error", table)
		}
	}
}

func TestPostgresProviders(t *testing.T) {
	providers, err := PostgresProviders(&fakeQuerier{}, "plane", DefaultTables)
	if err != nil {
		t.Fatalf("PostgresProviders() error: %v", err)
	}
	if err := NewResolver(providers, 0).Validate(); err != nil {
		t.Errorf("default tables do not cover every kind: %v", err)
	}
	if got := providers[webhook.KindCycleIssue].(*PostgresProvider).table; got != "plane.cycle_issues" {
		t.Errorf("cycle_issue table = %q", got)
	}
}
