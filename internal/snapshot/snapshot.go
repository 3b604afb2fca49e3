// Package snapshot resolves the current serialized state of the entity an
// event refers to. Resolution happens at send time, so a retried delivery
// carries the latest state, not the state at the moment the event was raised.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/timeout"

	"github.com/austindbirch/relayhook/internal/webhook"
)

var (
	// ErrNotFound is returned by providers when the entity no longer exists.
	ErrNotFound = errors.New("entity not found")
	// ErrNoProvider means no provider is registered for the event kind.
	ErrNoProvider = errors.New("no snapshot provider")
)

// Provider returns the serialized document of one entity.
type Provider interface {
	GetSerialized(ctx context.Context, id string) (any, error)
}

// ManyProvider is implemented by providers that can load several entities in
// one round trip. Missing ids are skipped.
type ManyProvider interface {
	GetSerializedMany(ctx context.Context, ids []string) ([]any, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, id string) (any, error)

func (f ProviderFunc) GetSerialized(ctx context.Context, id string) (any, error) {
	return f(ctx, id)
}

type loadFunc func(ctx context.Context) (any, error)

// Resolver maps event kinds to providers.
type Resolver struct {
	providers map[webhook.EventKind]Provider
	execute   func(ctx context.Context, fn loadFunc) (any, error)
}

// NewResolver returns a resolver bounded by d per resolution. d <= 0 disables
// the bound.
func NewResolver(providers map[webhook.EventKind]Provider, d time.Duration) *Resolver {
	r := &Resolver{providers: providers}
	if d > 0 {
		t := timeout.New[any](timeout.Config{DefaultTimeout: d})
		r.execute = func(ctx context.Context, fn loadFunc) (any, error) {
			return t.Execute(ctx, d, fn)
		}
	} else {
		r.execute = func(ctx context.Context, fn loadFunc) (any, error) {
			return fn(ctx)
		}
	}
	return r
}

// Validate fails when a kind has no provider.
func (r *Resolver) Validate() error {
	var missing []string
	for _, k := range webhook.Kinds {
		if _, ok := r.providers[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w for kinds: %s", ErrNoProvider, strings.Join(missing, ", "))
	}
	return nil
}

// Resolve returns the data field of the webhook body. Deletes never touch a
// provider. A missing entity resolves to nil without error.
func (r *Resolver) Resolve(ctx context.Context, kind webhook.EventKind, ids []string, many bool, action webhook.Action) (any, error) {
	if action == webhook.ActionDelete {
		return deleted(ids, many), nil
	}

	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w for kind %q", ErrNoProvider, kind)
	}

	data, err := r.execute(ctx, func(ctx context.Context) (any, error) {
		if many {
			return loadMany(ctx, p, ids)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return p.GetSerialized(ctx, ids[0])
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s snapshot: %w", kind, err)
	}
	return data, nil
}

func loadMany(ctx context.Context, p Provider, ids []string) (any, error) {
	if mp, ok := p.(ManyProvider); ok {
		docs, err := mp.GetSerializedMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		if docs == nil {
			docs = []any{}
		}
		return docs, nil
	}
	docs := make([]any, 0, len(ids))
	for _, id := range ids {
		doc, err := p.GetSerialized(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

type deletedRef struct {
	ID string `json:"id"`
}

func deleted(ids []string, many bool) any {
	if many {
		refs := make([]deletedRef, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, deletedRef{ID: id})
		}
		return refs
	}
	if len(ids) == 0 {
		return deletedRef{}
	}
	return deletedRef{ID: ids[0]}
}
