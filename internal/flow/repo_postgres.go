package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PostgresRepo stores the graph (triggers, entry, nodes, edges) as one JSONB
// document next to the indexed columns.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

type definition struct {
	Triggers    []Trigger `json:"triggers"`
	EntryNodeID string    `json:"entry_node_id"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
}

const flowColumns = `id, org_id, name, status, priority, definition::text, created_at, updated_at`

func (r *PostgresRepo) ListActive(ctx context.Context, orgID string) ([]Flow, error) {
	const q = `SELECT ` + flowColumns + ` FROM chat_flows
WHERE org_id = $1 AND status = 'active'
ORDER BY priority ASC, created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, orgID, id string) (Flow, error) {
	const q = `SELECT ` + flowColumns + ` FROM chat_flows WHERE org_id = $1 AND id = $2`
	return scanFlow(r.db.QueryRowContext(ctx, q, orgID, id))
}

func (r *PostgresRepo) Save(ctx context.Context, f Flow) error {
	if f.ID == "" || f.OrgID == "" {
		return ErrInvalidArgument
	}
	def, err := json.Marshal(definition{
		Triggers:    f.Triggers,
		EntryNodeID: f.EntryNodeID,
		Nodes:       f.Nodes,
		Edges:       f.Edges,
	})
	if err != nil {
		return err
	}
	const q = `
INSERT INTO chat_flows (id, org_id, name, status, priority, definition, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    status = EXCLUDED.status,
    priority = EXCLUDED.priority,
    definition = EXCLUDED.definition,
    updated_at = EXCLUDED.updated_at
WHERE chat_flows.org_id = EXCLUDED.org_id
`
	res, err := r.db.ExecContext(ctx, q, f.ID, f.OrgID, f.Name, f.Status, f.Priority, string(def), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// id exists under another org
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (Flow, error) {
	var (
		f   Flow
		raw string
	)
	if err := row.Scan(&f.ID, &f.OrgID, &f.Name, &f.Status, &f.Priority, &raw, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flow{}, ErrNotFound
		}
		return Flow{}, err
	}
	var def definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return Flow{}, err
	}
	f.Triggers = def.Triggers
	f.EntryNodeID = def.EntryNodeID
	f.Nodes = def.Nodes
	f.Edges = def.Edges
	return f, nil
}
