package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/relayhook/internal/delivery"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/metrics"
	"github.com/austindbirch/relayhook/internal/tracing"
	"github.com/austindbirch/relayhook/internal/webhook"
)

// Verdict tells the consumer how to respond to nsqd.
type Verdict struct {
	Requeue bool
	Delay   time.Duration
}

// Finish acknowledges the message.
func Finish() Verdict { return Verdict{} }

// RequeueAfter returns the message to nsqd for redelivery after d.
func RequeueAfter(d time.Duration) Verdict { return Verdict{Requeue: true, Delay: d} }

// Message is the subset of *nsq.Message the handlers respond through.
type Message interface {
	Finish()
	RequeueWithoutBackoff(delay time.Duration)
}

// TaskProcessor handles one due delivery task.
type TaskProcessor interface {
	Process(ctx context.Context, t delivery.Task) Verdict
}

// EventDispatcher fans one event out to delivery tasks.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev webhook.Event) (int, error)
}

// TaskHandler consumes the deliveries topic.
type TaskHandler struct {
	proc        TaskProcessor
	maxDeferral time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

func NewTaskHandler(proc TaskProcessor, maxDeferral time.Duration, logger *logging.Logger) *TaskHandler {
	return &TaskHandler{proc: proc, maxDeferral: maxDeferral, logger: logger, now: time.Now}
}

// HandleMessage implements nsq.Handler.
func (h *TaskHandler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	h.handle(m, m.Body)
	return nil
}

func (h *TaskHandler) handle(m Message, body []byte) {
	var t delivery.Task
	if err := json.Unmarshal(body, &t); err != nil {
		h.logger.Plain().WithError(err).Error("bad task payload")
		metrics.RecordDelivery("bad_payload")
		m.Finish() // terminal: don't retry bad payloads
		return
	}

	// Deferred publishes are capped, so a task may surface before it is due.
	if !t.Due(h.now()) {
		wait := Deferral(t.NotBefore.Sub(h.now()), h.maxDeferral)
		h.logger.Plain().WithDelivery(t.DeliveryID).WithField("wait", wait.String()).Debug("task not yet due, deferring")
		m.RequeueWithoutBackoff(wait)
		return
	}

	ctx := tracing.ExtractHeaders(context.Background(), t.TraceHeaders)
	v := h.proc.Process(ctx, t)
	respond(m, v, h.maxDeferral)
}

func respond(m Message, v Verdict, maxDeferral time.Duration) {
	if !v.Requeue {
		m.Finish()
		return
	}
	m.RequeueWithoutBackoff(Deferral(v.Delay, maxDeferral))
}

// EventHandler consumes the events topic and runs fan-out.
type EventHandler struct {
	dispatcher EventDispatcher
	logger     *logging.Logger
}

func NewEventHandler(d EventDispatcher, logger *logging.Logger) *EventHandler {
	return &EventHandler{dispatcher: d, logger: logger}
}

// HandleMessage implements nsq.Handler. Fan-out failures are not retried.
func (h *EventHandler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	h.handle(m, m.Body)
	return nil
}

func (h *EventHandler) handle(m Message, body []byte) {
	defer m.Finish()

	var msg EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.logger.Plain().WithError(err).Error("bad event payload")
		metrics.RecordDispatchFailure("payload")
		return
	}

	ctx := tracing.ExtractHeaders(context.Background(), msg.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "fanout.dispatch")
	defer span.End()

	if _, err := h.dispatcher.Dispatch(ctx, msg.Event); err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).
			WithTenant(msg.Event.TenantID).
			WithEventKind(string(msg.Event.Kind)).
			WithError(err).
			Error("dispatch dropped")
	}
}
