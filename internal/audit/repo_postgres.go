package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. The table should reject UPDATE/DELETE
// (trigger or revoked privileges).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, org_id, type, actor_user_id, actor_role, ip_address,
  message_id, session_id, flow_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,NULLIF($4, ''),NULLIF($5, ''),NULLIF($6, ''),
  NULLIF($7, ''),NULLIF($8, ''),NULLIF($9, ''),$10,NULLIF($11, '')::jsonb,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.OrgID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.MessageID,
		e.SessionID,
		e.FlowID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
