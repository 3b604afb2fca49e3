package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/relayhook/internal/webhook"
)

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DefaultTables maps each event kind to the entity table it is read from.
var DefaultTables = map[webhook.EventKind]string{
	webhook.KindProject:      "projects",
	webhook.KindIssue:        "issues",
	webhook.KindCycle:        "cycles",
	webhook.KindModule:       "modules",
	webhook.KindCycleIssue:   "cycle_issues",
	webhook.KindModuleIssue:  "module_issues",
	webhook.KindIssueComment: "issue_comments",
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresProvider serializes rows of one table with row_to_json.
type PostgresProvider struct {
	db    Querier
	table string
}

// NewPostgresProvider validates table as a (schema-qualified) identifier.
func NewPostgresProvider(db Querier, table string) (*PostgresProvider, error) {
	if !identRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresProvider{db: db, table: table}, nil
}

// PostgresProviders builds one provider per entry of tables, prefixing schema
// when it is non-empty.
func PostgresProviders(db Querier, schema string, tables map[webhook.EventKind]string) (map[webhook.EventKind]Provider, error) {
	out := make(map[webhook.EventKind]Provider, len(tables))
	for kind, table := range tables {
		if schema != "" {
			table = schema + "." + table
		}
		p, err := NewPostgresProvider(db, table)
		if err != nil {
			return nil, fmt.Errorf("%s provider: %w", kind, err)
		}
		out[kind] = p
	}
	return out, nil
}

func (p *PostgresProvider) GetSerialized(ctx context.Context, id string) (any, error) {
	var doc []byte
	err := p.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE t.id::text = $1`, p.table),
		id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", p.table, id, err)
	}
	return json.RawMessage(doc), nil
}

func (p *PostgresProvider) GetSerializedMany(ctx context.Context, ids []string) ([]any, error) {
	rows, err := p.db.Query(ctx,
		fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE t.id::text = ANY($1)`, p.table),
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", p.table, err)
	}
	defer rows.Close()

	docs := []any{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}
