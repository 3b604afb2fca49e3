package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/relayhook/internal/delivery"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/tracing"
	"github.com/austindbirch/relayhook/internal/webhook"
)

// Producer is the subset of *nsq.Producer the publisher uses.
type Producer interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
	PublishAsync(topic string, body []byte, doneChan chan *nsq.ProducerTransaction, args ...interface{}) error
}

// Topics names the NSQ topics the publisher writes to.
type Topics struct {
	Events     string
	Deliveries string
	Abandoned  string
}

// EventMessage is the body of a message on the events topic.
type EventMessage struct {
	Event        webhook.Event     `json:"event"`
	RaisedAt     string            `json:"raised_at"`               // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Publisher writes events, delivery tasks and abandonment notices to NSQ.
type Publisher struct {
	producer    Producer
	topics      Topics
	maxDeferral time.Duration
	logger      *logging.Logger
	now         func() time.Time
	done        chan *nsq.ProducerTransaction
	quit        chan struct{}
}

// NewPublisher returns a publisher. maxDeferral must not exceed nsqd's
// --max-req-timeout; longer waits are split across redeliveries.
func NewPublisher(p Producer, topics Topics, maxDeferral time.Duration, logger *logging.Logger) *Publisher {
	pub := &Publisher{
		producer:    p,
		topics:      topics,
		maxDeferral: maxDeferral,
		logger:      logger,
		now:         time.Now,
		done:        make(chan *nsq.ProducerTransaction, 256),
		quit:        make(chan struct{}),
	}
	go pub.drain()
	return pub
}

// Close stops the async result drain. Call after the producer is stopped.
func (p *Publisher) Close() {
	close(p.quit)
}

func (p *Publisher) drain() {
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.done:
			if t.Error != nil {
				entry := p.logger.Plain().WithError(t.Error)
				if len(t.Args) > 0 {
					if kind, ok := t.Args[0].(webhook.EventKind); ok {
						entry = entry.WithEventKind(string(kind))
					}
				}
				entry.Error("async event publish failed")
			}
		}
	}
}

// Enqueue publishes t to the deliveries topic, deferred until t.NotBefore.
func (p *Publisher) Enqueue(ctx context.Context, t delivery.Task) error {
	if t.TraceHeaders == nil {
		t.TraceHeaders = tracing.InjectHeaders(ctx)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	delay := p.deferral(t.NotBefore)
	if delay <= 0 {
		if err := p.producer.Publish(p.topics.Deliveries, body); err != nil {
			return fmt.Errorf("publish task %s: %w", t.DeliveryID, err)
		}
	} else {
		if err := p.producer.DeferredPublish(p.topics.Deliveries, delay, body); err != nil {
			return fmt.Errorf("deferred publish task %s: %w", t.DeliveryID, err)
		}
	}
	tracing.AddSpanEvent(ctx, "nsq.published_task",
		attribute.String("topic", p.topics.Deliveries),
		attribute.String("delivery_id", t.DeliveryID),
		attribute.String("delay", delay.String()),
	)
	return nil
}

// deferral is how long nsqd should hold a message due at notBefore.
func (p *Publisher) deferral(notBefore time.Time) time.Duration {
	return Deferral(notBefore.Sub(p.now()), p.maxDeferral)
}

// Deferral clamps remaining to [0, max].
func Deferral(remaining, max time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	if max > 0 && remaining > max {
		return max
	}
	return remaining
}

// PublishEvent hands ev to the events topic without waiting for nsqd.
func (p *Publisher) PublishEvent(ctx context.Context, ev webhook.Event) error {
	body, err := json.Marshal(EventMessage{
		Event:        ev,
		RaisedAt:     p.now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.InjectHeaders(ctx),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.producer.PublishAsync(p.topics.Events, body, p.done, ev.Kind); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// PublishAbandoned publishes a notice for a task that ran out of attempts.
func (p *Publisher) PublishAbandoned(ctx context.Context, a delivery.Abandoned) error {
	if p.topics.Abandoned == "" {
		return nil
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode abandoned notice: %w", err)
	}
	if err := p.producer.Publish(p.topics.Abandoned, body); err != nil {
		return fmt.Errorf("publish abandoned notice: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_abandoned", attribute.String("topic", p.topics.Abandoned))
	return nil
}
