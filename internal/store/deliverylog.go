package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/relayhook/internal/webhook"
)

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 500
)

// LogEntry is one outbound HTTP attempt. Transport failures are recorded with
// ResponseStatus 500 and the error text as ResponseBody.
type LogEntry struct {
	ID              int64             `json:"id"`
	DeliveryID      string            `json:"delivery_id"`
	TenantID        string            `json:"tenant_id"`
	EndpointID      string            `json:"endpoint_id"`
	EventKind       webhook.EventKind `json:"event_kind"`
	Action          webhook.Action    `json:"action"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body"`
	RetryCount      int               `json:"retry_count"`
	CreatedAt       time.Time         `json:"created_at"`
}

// LogFilter selects entries of one tenant in the half-open window [From, To).
// Zero times leave that side open.
type LogFilter struct {
	TenantID   string
	EndpointID string
	From       time.Time
	To         time.Time
	Limit      int
}

func headersJSON(h map[string]string) ([]byte, error) {
	if h == nil {
		h = map[string]string{}
	}
	return json.Marshal(h)
}

// Append writes e. It never updates an existing entry.
func (s *Store) Append(ctx context.Context, e LogEntry) error {
	reqHeaders, err := headersJSON(e.RequestHeaders)
	if err != nil {
		return fmt.Errorf("encode request headers: %w", err)
	}
	respHeaders, err := headersJSON(e.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("encode response headers: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO relayhook.delivery_log(
			delivery_id, tenant_id, endpoint_id, event_kind, action,
			request_headers, request_body, response_status,
			response_headers, response_body, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.DeliveryID, e.TenantID, e.EndpointID, string(e.EventKind), string(e.Action),
		reqHeaders, e.RequestBody, e.ResponseStatus,
		respHeaders, e.ResponseBody, e.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLogLimit
	}
	if n > MaxLogLimit {
		return MaxLogLimit
	}
	return n
}

// buildLogQuery renders the listing query for f.
func buildLogQuery(f LogFilter) (string, []any) {
	args := []any{f.TenantID}
	where := []string{"tenant_id = $1"}
	if f.EndpointID != "" {
		args = append(args, f.EndpointID)
		where = append(where, fmt.Sprintf("endpoint_id = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	args = append(args, clampLimit(f.Limit))

	q := fmt.Sprintf(`
		SELECT id, delivery_id::text, tenant_id, endpoint_id::text, event_kind, action,
		       request_headers, request_body, response_status,
		       response_headers, response_body, retry_count, created_at
		FROM relayhook.delivery_log
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))
	return q, args
}

// ListLog returns entries matching f, newest first.
func (s *Store) ListLog(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	q, args := buildLogQuery(f)
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list delivery log: %w", err)
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var (
			e                       LogEntry
			kind, action            string
			reqHeaders, respHeaders []byte
		)
		if err := rows.Scan(&e.ID, &e.DeliveryID, &e.TenantID, &e.EndpointID, &kind, &action,
			&reqHeaders, &e.RequestBody, &e.ResponseStatus,
			&respHeaders, &e.ResponseBody, &e.RetryCount, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.EventKind = webhook.EventKind(kind)
		e.Action = webhook.Action(action)
		if err := json.Unmarshal(reqHeaders, &e.RequestHeaders); err != nil {
			return nil, fmt.Errorf("decode request headers: %w", err)
		}
		if err := json.Unmarshal(respHeaders, &e.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("decode response headers: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
