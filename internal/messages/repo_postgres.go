package messages

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatflow-platform/internal/gateway"
)

// NOTE: PostgresRepo assumes a messages table with:
// - UNIQUE INDEX messages_inbound_dedup ON messages (instance_id, gateway_message_id) WHERE direction = 'inbound'
// - INDEX ON messages (instance_id, provider_message_id) WHERE direction = 'outbound'
// - CHECK (billing_status IN ('pending','debited','failed','skipped'))
// - CHECK (billing_status <> 'debited' OR cost_minor > 0)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const messageColumns = `
id, org_id, device_id, session_id, direction, instance_id, phone, content, message_type,
gateway_message_id, provider_message_id, inbound_message_id,
tokens_used, cost_minor, billing_status,
delivery_status, delivery_attempts, last_error, raw_payload,
processed_at, charged_at, created_at, updated_at`

func (r *PostgresRepo) InsertInbound(ctx context.Context, m Message) (Message, bool, error) {
	if m.ID == "" || m.OrgID == "" || m.InstanceID == "" || m.GatewayMessageID == "" {
		return Message{}, false, ErrInvalidArgument
	}
	m.Direction = DirectionInbound

	const q = `
INSERT INTO messages (` + messageColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
ON CONFLICT (instance_id, gateway_message_id) WHERE direction = 'inbound' DO NOTHING
RETURNING id
`
	var id string
	err := r.db.QueryRowContext(ctx, q, insertArgs(m)...).Scan(&id)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, err
	}

	// Conflict: the row already exists.
	const sel = `SELECT ` + messageColumns + ` FROM messages
WHERE instance_id = $1 AND gateway_message_id = $2 AND direction = 'inbound'`
	existing, err := scanMessage(r.db.QueryRowContext(ctx, sel, m.InstanceID, m.GatewayMessageID))
	if err != nil {
		return Message{}, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepo) InsertOutbound(ctx context.Context, m Message) error {
	if m.ID == "" || m.OrgID == "" {
		return ErrInvalidArgument
	}
	m.Direction = DirectionOutbound
	const q = `
INSERT INTO messages (` + messageColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`
	_, err := r.db.ExecContext(ctx, q, insertArgs(m)...)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, orgID, id string) (Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND ($2 = '' OR org_id = $2)`
	return scanMessage(r.db.QueryRowContext(ctx, q, id, orgID))
}

func (r *PostgresRepo) FindOutboundByProviderID(ctx context.Context, instanceID, providerMessageID string) (Message, bool, error) {
	const q = `SELECT ` + messageColumns + ` FROM messages
WHERE instance_id = $1 AND provider_message_id = $2 AND direction = 'outbound'
LIMIT 1`
	m, err := scanMessage(r.db.QueryRowContext(ctx, q, instanceID, providerMessageID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	return m, true, nil
}

func (r *PostgresRepo) MarkProcessed(ctx context.Context, id, sessionID string, tokens int, at time.Time) error {
	if tokens < 0 {
		return ErrInvalidArgument
	}
	const q = `
UPDATE messages
SET session_id = NULLIF($2, ''), tokens_used = $3, processed_at = $4, updated_at = $4
WHERE id = $1 AND billing_status = 'pending'
`
	res, err := r.db.ExecContext(ctx, q, id, sessionID, tokens, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *PostgresRepo) UpdateDelivery(ctx context.Context, id string, expected gateway.DeliveryStatus, u DeliveryUpdate, at time.Time) (bool, error) {
	const q = `
UPDATE messages
SET delivery_status = $3,
    provider_message_id = COALESCE(NULLIF($4, ''), provider_message_id),
    delivery_attempts = GREATEST(delivery_attempts, $5),
    last_error = COALESCE(NULLIF($6, ''), last_error),
    updated_at = $7
WHERE id = $1 AND COALESCE(delivery_status, '') = $2
`
	res, err := r.db.ExecContext(ctx, q, id, string(expected), string(u.Status), u.ProviderMessageID, u.Attempts, u.LastError, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepo) List(ctx context.Context, orgID string, from, to time.Time) ([]Message, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	const q = `SELECT ` + messageColumns + ` FROM messages
WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, q, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func insertArgs(m Message) []any {
	return []any{
		m.ID,
		m.OrgID,
		nullString(m.DeviceID),
		nullString(m.SessionID),
		m.Direction,
		m.InstanceID,
		m.Phone,
		m.Content,
		m.MessageType,
		nullString(m.GatewayMessageID),
		nullString(m.ProviderMessageID),
		nullString(m.InboundMessageID),
		m.TokensUsed,
		m.CostMinor,
		m.BillingStatus,
		nullString(string(m.DeliveryStatus)),
		m.DeliveryAttempts,
		m.LastError,
		m.RawPayload,
		m.ProcessedAt,
		m.ChargedAt,
		m.CreatedAt,
		m.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                                       Message
		deviceID, sessionID, gwID, provID, inID sql.NullString
		delivery                                sql.NullString
		processedAt, chargedAt                  sql.NullTime
	)
	err := row.Scan(
		&m.ID,
		&m.OrgID,
		&deviceID,
		&sessionID,
		&m.Direction,
		&m.InstanceID,
		&m.Phone,
		&m.Content,
		&m.MessageType,
		&gwID,
		&provID,
		&inID,
		&m.TokensUsed,
		&m.CostMinor,
		&m.BillingStatus,
		&delivery,
		&m.DeliveryAttempts,
		&m.LastError,
		&m.RawPayload,
		&processedAt,
		&chargedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	m.DeviceID = deviceID.String
	m.SessionID = sessionID.String
	m.GatewayMessageID = gwID.String
	m.ProviderMessageID = provID.String
	m.InboundMessageID = inID.String
	m.DeliveryStatus = gateway.DeliveryStatus(delivery.String)
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	if chargedAt.Valid {
		t := chargedAt.Time
		m.ChargedAt = &t
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
