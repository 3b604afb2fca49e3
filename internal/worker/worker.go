// Package worker performs delivery attempts: it resolves the entity
// snapshot, signs and POSTs the webhook body, records the exchange in the
// delivery log, and schedules a retry or abandons the task.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/relayhook/internal/delivery"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/metrics"
	"github.com/austindbirch/relayhook/internal/queue"
	"github.com/austindbirch/relayhook/internal/signature"
	"github.com/austindbirch/relayhook/internal/store"
	"github.com/austindbirch/relayhook/internal/tracing"
	"github.com/austindbirch/relayhook/internal/webhook"
)

const (
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderEvent      = "X-Event"
	HeaderTraceID    = "X-Trace-Id"

	// failureStatus is logged for attempts that got no HTTP response.
	failureStatus = 500
)

// Endpoints loads and deactivates endpoints.
type Endpoints interface {
	Get(ctx context.Context, tenantID, id string) (webhook.Endpoint, error)
	Deactivate(ctx context.Context, tenantID, id string) error
}

// Log appends delivery log entries.
type Log interface {
	Append(ctx context.Context, e store.LogEntry) error
}

// Snapshots resolves the data field of the body.
type Snapshots interface {
	Resolve(ctx context.Context, kind webhook.EventKind, ids []string, many bool, action webhook.Action) (any, error)
}

// Queue re-enqueues retries and publishes abandonment notices.
type Queue interface {
	Enqueue(ctx context.Context, t delivery.Task) error
	PublishAbandoned(ctx context.Context, a delivery.Abandoned) error
}

type Options struct {
	MaxAttempts        int
	Backoff            delivery.Backoff
	HTTPTimeout        time.Duration
	UserAgent          string
	InternalRetryDelay time.Duration
	MaxResponseBytes   int64
	PublishAbandoned   bool
	Client             *http.Client // optional; built from HTTPTimeout when nil
}

// Payload is the JSON body POSTed to endpoints.
type Payload struct {
	Event     webhook.EventKind `json:"event"`
	Action    webhook.Action    `json:"action"`
	WebhookID string            `json:"webhook_id"`
	TenantID  string            `json:"tenant_id"`
	Data      any               `json:"data"`
}

type Worker struct {
	endpoints Endpoints
	log       Log
	snapshots Snapshots
	queue     Queue
	opts      Options
	client    *http.Client
	logger    *logging.Logger
	now       func() time.Time
}

func New(endpoints Endpoints, log Log, snapshots Snapshots, q Queue, opts Options, logger *logging.Logger) *Worker {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "relayhook"
	}
	if opts.InternalRetryDelay <= 0 {
		opts.InternalRetryDelay = 30 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 64 * 1024
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Worker{
		endpoints: endpoints,
		log:       log,
		snapshots: snapshots,
		queue:     q,
		opts:      opts,
		client:    client,
		logger:    logger,
		now:       time.Now,
	}
}

// attempt is the outcome of one send.
type attempt struct {
	reqHeaders  map[string]string
	reqBody     []byte
	status      int
	respHeaders map[string]string
	respBody    string
	err         error // transport or snapshot failure; nil when any response arrived
	reason      string
	latency     time.Duration
}

// Process runs one delivery attempt of t and tells the consumer how to
// respond. Internal failures requeue the message unchanged so the attempt
// count only advances on transport failures.
func (w *Worker) Process(ctx context.Context, t delivery.Task) queue.Verdict {
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("delivery_id", t.DeliveryID),
		attribute.String("tenant_id", t.TenantID),
		attribute.String("endpoint_id", t.EndpointID),
		attribute.String("event_kind", string(t.EventKind)),
		attribute.String("action", string(t.Action)),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()

	log := w.logger.WithContext(ctx).
		WithTenant(t.TenantID).
		WithEndpoint(t.EndpointID).
		WithDelivery(t.DeliveryID).
		WithEventKind(string(t.EventKind))

	sm, err := delivery.NewStateMachine(t.DeliveryID)
	if err != nil {
		log.WithError(err).Error("state machine init failed")
		return w.internal(ctx, err)
	}
	transition(sm, delivery.EventClaim, log)

	tracing.AddSpanEvent(ctx, "db.fetch_endpoint")
	ep, err := w.endpoints.Get(ctx, t.TenantID, t.EndpointID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("endpoint no longer exists, dropping task")
		metrics.RecordDelivery("dropped")
		return queue.Finish()
	}
	if err != nil {
		log.WithError(err).Error("load endpoint failed")
		return w.internal(ctx, err)
	}

	if t.Abandoning {
		log.WithField("attempt", t.Attempt).Info("resuming abandonment")
		return w.abandon(ctx, t, ep, t.Attempt, attempt{err: errors.New(t.LastError), reason: t.FailureReason}, sm, log)
	}

	a := w.send(ctx, t, ep)
	span.SetAttributes(
		attribute.Int("http.status_code", a.status),
		attribute.Int64("http.latency_ms", a.latency.Milliseconds()),
	)

	entry := store.LogEntry{
		DeliveryID:      t.DeliveryID,
		TenantID:        t.TenantID,
		EndpointID:      t.EndpointID,
		EventKind:       t.EventKind,
		Action:          t.Action,
		RequestHeaders:  a.reqHeaders,
		RequestBody:     string(a.reqBody),
		ResponseStatus:  a.status,
		ResponseHeaders: a.respHeaders,
		ResponseBody:    a.respBody,
		RetryCount:      t.Attempt,
	}
	if a.err != nil {
		entry.ResponseStatus = failureStatus
		entry.ResponseBody = a.err.Error()
	}

	tracing.AddSpanEvent(ctx, "db.append_delivery_log")
	if err := w.log.Append(ctx, entry); err != nil {
		log.WithError(err).Error("delivery log write failed")
		return w.internal(ctx, err)
	}

	if a.err == nil {
		transition(sm, delivery.EventRespond, log)
		tracing.AddSpanEvent(ctx, "delivery.delivered")
		metrics.RecordDelivery(sm.Current())
		log.WithFields(map[string]any{
			"status":     a.status,
			"latency_ms": a.latency.Milliseconds(),
		}).Info("delivered")
		return queue.Finish()
	}

	tracing.SetSpanError(ctx, a.err)
	span.SetAttributes(attribute.String("failure_reason", a.reason))
	next := t.Attempt + 1

	if next >= w.opts.MaxAttempts {
		return w.abandon(ctx, t, ep, next, a, sm, log)
	}

	delay := w.opts.Backoff.Delay(next)
	retry := t.Retry(w.now(), delay)
	retry.TraceHeaders = tracing.InjectHeaders(ctx)
	tracing.AddSpanEvent(ctx, "delivery.retry_scheduled",
		attribute.Int("attempt", next),
		attribute.String("delay", delay.String()),
	)
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		log.WithError(err).Error("re-enqueue failed")
		return w.internal(ctx, err)
	}
	transition(sm, delivery.EventRetry, log)
	metrics.RecordRetry(a.reason)
	metrics.RecordDelivery(sm.Current())
	log.WithError(a.err).WithFields(map[string]any{
		"attempt": next,
		"delay":   delay.String(),
		"reason":  a.reason,
	}).Warn("delivery failed, retry scheduled")
	return queue.Finish()
}

func (w *Worker) abandon(ctx context.Context, t delivery.Task, ep webhook.Endpoint, attempts int, a attempt, sm *delivery.StateMachine, log *logging.LogEntry) queue.Verdict {
	tracing.AddSpanEvent(ctx, "delivery.abandoned", attribute.Int("attempt", attempts))
	if err := w.endpoints.Deactivate(ctx, ep.TenantID, ep.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Error("endpoint deactivation failed")
		// The final attempt is already logged; the follow-up task only
		// deactivates and never sends.
		pending := t.PendingAbandon(attempts, w.now(), w.opts.InternalRetryDelay, a.err.Error(), a.reason)
		pending.TraceHeaders = tracing.InjectHeaders(ctx)
		if qerr := w.queue.Enqueue(ctx, pending); qerr != nil {
			log.WithError(qerr).Error("pending abandonment enqueue failed")
			return w.internal(ctx, err)
		}
		tracing.SetSpanError(ctx, err)
		metrics.RecordDelivery("abandon_pending")
		return queue.Finish()
	}
	transition(sm, delivery.EventAbandon, log)

	if w.opts.PublishAbandoned {
		notice := delivery.NewAbandoned(t, attempts, a.err.Error(), fmt.Sprintf("max attempts reached (%d)", attempts))
		if err := w.queue.PublishAbandoned(ctx, notice); err != nil {
			log.WithError(err).Error("abandoned notice publish failed")
		}
	}

	metrics.RecordRetry(a.reason)
	metrics.RecordAbandoned()
	metrics.RecordDelivery(sm.Current())
	log.WithError(a.err).WithField("attempt", attempts).Error("delivery abandoned, endpoint deactivated")
	return queue.Finish()
}

// transition advances sm. An illegal move is logged and the attempt's
// outcome stands.
func transition(sm *delivery.StateMachine, event string, log *logging.LogEntry) {
	if err := sm.Transition(event); err != nil {
		log.Clone().WithError(err).WithFields(map[string]any{
			"event": event,
			"state": sm.Current(),
		}).Warn("illegal delivery state transition")
	}
}

func (w *Worker) internal(ctx context.Context, err error) queue.Verdict {
	tracing.SetSpanError(ctx, err)
	metrics.RecordDelivery("internal_error")
	return queue.RequeueAfter(w.opts.InternalRetryDelay)
}

// send builds, signs and performs the request. Snapshot failures are
// reported like transport failures so they follow the retry schedule.
func (w *Worker) send(ctx context.Context, t delivery.Task, ep webhook.Endpoint) attempt {
	var a attempt

	tracing.AddSpanEvent(ctx, "snapshot.resolve")
	data, snapErr := w.snapshots.Resolve(ctx, t.EventKind, t.EntityIDs, t.Many, t.Action)

	body, err := json.Marshal(Payload{
		Event:     t.EventKind,
		Action:    t.Action,
		WebhookID: ep.ID,
		TenantID:  t.TenantID,
		Data:      data,
	})
	if err != nil {
		a.err = fmt.Errorf("encode payload: %w", err)
		a.reason = "encode"
		return a
	}
	a.reqBody = body

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", w.opts.UserAgent)
	headers.Set(HeaderDeliveryID, t.DeliveryID)
	headers.Set(HeaderEvent, string(t.EventKind))
	if ep.Signed() {
		headers.Set(signature.Header, signature.Sign(ep.Secret, body))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		headers.Set(HeaderTraceID, traceID)
	}
	a.reqHeaders = flatten(headers)

	if snapErr != nil {
		a.err = snapErr
		a.reason = "snapshot"
		return a
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		a.err = fmt.Errorf("build request: %w", err)
		a.reason = "request"
		return a
	}
	req.Header = headers

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, err := w.client.Do(req)
	a.latency = time.Since(start)
	if err != nil {
		metrics.RecordHTTPCall(0, a.latency)
		a.err = err
		a.reason = classifyReason(err)
		return a
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxResponseBytes))
	metrics.RecordHTTPCall(resp.StatusCode, a.latency)
	a.status = resp.StatusCode
	a.respHeaders = flatten(resp.Header)
	a.respBody = string(respBody)
	return a
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func classifyReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return "timeout"
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	if strings.Contains(errLower, "tls") || strings.Contains(errLower, "x509") {
		return "tls"
	}
	return "network"
}
