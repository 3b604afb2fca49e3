package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/relayhook/internal/webhook"
)

const endpointColumns = `id::text, tenant_id, url, secret, is_active,
	project, issue, module, cycle, issue_comment, created_at, updated_at`

// NewEndpoint is the input of Create.
type NewEndpoint struct {
	TenantID      string
	URL           string
	Secret        []byte
	Subscriptions webhook.Subscriptions
}

// GenerateSecret returns a random hex secret of n bytes of entropy.
func GenerateSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return []byte(hex.EncodeToString(b)), nil
}

// topicColumn maps a subscription flag to its column. The set is closed so
// the result is safe to splice into SQL.
func topicColumn(t webhook.Topic) (string, error) {
	switch t {
	case webhook.TopicProject:
		return "project", nil
	case webhook.TopicIssue:
		return "issue", nil
	case webhook.TopicModule:
		return "module", nil
	case webhook.TopicCycle:
		return "cycle", nil
	case webhook.TopicIssueComment:
		return "issue_comment", nil
	}
	return "", fmt.Errorf("%w: topic %q", webhook.ErrUnknownKind, string(t))
}

// listSubscribedQuery builds the fan-out lookup for kind.
func listSubscribedQuery(kind webhook.EventKind) (string, error) {
	topic, err := kind.Topic()
	if err != nil {
		return "", err
	}
	col, err := topicColumn(topic)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		SELECT %s
		FROM relayhook.endpoints
		WHERE tenant_id = $1 AND is_active AND %s
		ORDER BY created_at ASC`, endpointColumns, col), nil
}

func scanEndpoint(row pgx.Row) (webhook.Endpoint, error) {
	var ep webhook.Endpoint
	err := row.Scan(
		&ep.ID, &ep.TenantID, &ep.URL, &ep.Secret, &ep.IsActive,
		&ep.Subscriptions.Project, &ep.Subscriptions.Issue, &ep.Subscriptions.Module,
		&ep.Subscriptions.Cycle, &ep.Subscriptions.IssueComment,
		&ep.CreatedAt, &ep.UpdatedAt,
	)
	return ep, err
}

func collectEndpoints(rows pgx.Rows) ([]webhook.Endpoint, error) {
	defer rows.Close()
	var out []webhook.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSubscribed returns the active endpoints of tenantID whose flag for kind
// is set.
func (s *Store) ListSubscribed(ctx context.Context, tenantID string, kind webhook.EventKind) ([]webhook.Endpoint, error) {
	q, err := listSubscribedQuery(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscribed endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

// List returns every endpoint of tenantID, active or not.
func (s *Store) List(ctx context.Context, tenantID string) ([]webhook.Endpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM relayhook.endpoints
		WHERE tenant_id = $1
		ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

// Get loads one endpoint scoped to tenantID.
func (s *Store) Get(ctx context.Context, tenantID, id string) (webhook.Endpoint, error) {
	if _, err := uuid.Parse(id); err != nil {
		return webhook.Endpoint{}, ErrNotFound
	}
	ep, err := scanEndpoint(s.db.QueryRow(ctx, `
		SELECT `+endpointColumns+`
		FROM relayhook.endpoints
		WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.Endpoint{}, ErrNotFound
	}
	if err != nil {
		return webhook.Endpoint{}, fmt.Errorf("get endpoint: %w", err)
	}
	return ep, nil
}

// Create registers a new active endpoint.
func (s *Store) Create(ctx context.Context, in NewEndpoint) (webhook.Endpoint, error) {
	if in.TenantID == "" {
		return webhook.Endpoint{}, errors.New("tenant_id is required")
	}
	if err := webhook.ValidateURL(in.URL); err != nil {
		return webhook.Endpoint{}, err
	}
	secret := in.Secret
	if secret == nil {
		secret = []byte{}
	}
	sub := in.Subscriptions
	ep, err := scanEndpoint(s.db.QueryRow(ctx, `
		INSERT INTO relayhook.endpoints(tenant_id, url, secret, project, issue, module, cycle, issue_comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+endpointColumns,
		in.TenantID, in.URL, secret,
		sub.Project, sub.Issue, sub.Module, sub.Cycle, sub.IssueComment,
	))
	if err != nil {
		return webhook.Endpoint{}, fmt.Errorf("create endpoint: %w", err)
	}
	return ep, nil
}

// SetActive flips is_active for an endpoint of tenantID.
func (s *Store) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE relayhook.endpoints
		SET is_active = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, id, tenantID, active)
	if err != nil {
		return fmt.Errorf("set endpoint active=%t: %w", active, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate stops new tasks for the endpoint. Deliveries already queued
// still run.
func (s *Store) Deactivate(ctx context.Context, tenantID, id string) error {
	return s.SetActive(ctx, tenantID, id, false)
}
