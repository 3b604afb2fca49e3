// Package dispatch turns a raised event into one delivery task per
// subscribed endpoint.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/relayhook/internal/delivery"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/metrics"
	"github.com/austindbirch/relayhook/internal/tracing"
	"github.com/austindbirch/relayhook/internal/webhook"
)

// Registry finds the endpoints an event goes to.
type Registry interface {
	ListSubscribed(ctx context.Context, tenantID string, kind webhook.EventKind) ([]webhook.Endpoint, error)
}

// Enqueuer accepts delivery tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t delivery.Task) error
}

// EventPublisher hands a raised event to the events topic.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev webhook.Event) error
}

type Dispatcher struct {
	registry Registry
	queue    Enqueuer
	logger   *logging.Logger
	now      func() time.Time
}

func NewDispatcher(r Registry, q Enqueuer, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{registry: r, queue: q, logger: logger, now: time.Now}
}

// Dispatch enqueues one task per active endpoint of the tenant subscribed to
// the event kind and returns how many were enqueued. A registry failure drops
// the event. A failed enqueue does not stop the remaining endpoints.
func (d *Dispatcher) Dispatch(ctx context.Context, ev webhook.Event) (int, error) {
	ev, err := ev.Normalize()
	if err != nil {
		metrics.RecordDispatchFailure("invalid")
		return 0, err
	}

	endpoints, err := d.registry.ListSubscribed(ctx, ev.TenantID, ev.Kind)
	if err != nil {
		metrics.RecordDispatchFailure("registry")
		return 0, fmt.Errorf("load endpoints for %s: %w", ev.Kind, err)
	}
	if len(endpoints) == 0 {
		return 0, nil
	}

	now := d.now()
	enqueued := 0
	for _, ep := range endpoints {
		t := delivery.NewTask(ev, ep.ID, now)
		if err := d.queue.Enqueue(ctx, t); err != nil {
			metrics.RecordDispatchFailure("enqueue")
			tracing.SetSpanError(ctx, err)
			d.logger.WithContext(ctx).
				WithTenant(ev.TenantID).
				WithEndpoint(ep.ID).
				WithDelivery(t.DeliveryID).
				WithEventKind(string(ev.Kind)).
				WithError(err).
				Error("enqueue delivery task failed")
			continue
		}
		enqueued++
	}

	metrics.RecordFanout(string(ev.Kind), enqueued)
	tracing.AddSpanEvent(ctx, "fanout.enqueued",
		attribute.Int("endpoints", len(endpoints)),
		attribute.Int("enqueued", enqueued),
	)
	d.logger.WithContext(ctx).
		WithTenant(ev.TenantID).
		WithEventKind(string(ev.Kind)).
		WithFields(map[string]any{"endpoints": len(endpoints), "enqueued": enqueued}).
		Info("event dispatched")
	return enqueued, nil
}

// Raiser is the entry point mutation handlers call once their change has
// committed.
type Raiser struct {
	publisher EventPublisher
}

func NewRaiser(p EventPublisher) *Raiser {
	return &Raiser{publisher: p}
}

// Raise validates the event and publishes it without waiting for fan-out.
// action accepts canonical names and HTTP verbs.
func (r *Raiser) Raise(ctx context.Context, kind, tenantID string, ids []string, many bool, action string) error {
	k, err := webhook.ParseEventKind(kind)
	if err != nil {
		return err
	}
	a, err := webhook.ParseAction(action)
	if err != nil {
		return err
	}
	ev := webhook.Event{Kind: k, TenantID: tenantID, EntityIDs: ids, Many: many, Action: a}
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := r.publisher.PublishEvent(ctx, ev); err != nil {
		return err
	}
	metrics.RecordEventRaised(string(k))
	return nil
}
