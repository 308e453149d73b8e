package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"chatflow-platform/pkg/utils"
)

// liveIndex is the partial unique index that guarantees one live session:
//
//	CREATE UNIQUE INDEX chat_sessions_one_live ON chat_sessions (org_id, phone)
//	WHERE status IN ('active', 'waiting_input');
const liveIndex = "chat_sessions_one_live"

// FindByLastMessage is served by:
//
//	CREATE INDEX chat_sessions_last_message ON chat_sessions (org_id, last_message_id)
//	WHERE last_message_id IS NOT NULL;

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const sessionColumns = `id, org_id, phone, COALESCE(device_id, ''), COALESCE(active_flow_id, ''),
COALESCE(current_step_id, ''), status, session_token, COALESCE(data::text, '{}'),
COALESCE(last_message_id, ''), last_tokens, version, created_at, updated_at`

func (r *PostgresRepo) GetLive(ctx context.Context, orgID, phone string) (Session, bool, error) {
	const q = `SELECT ` + sessionColumns + ` FROM chat_sessions
WHERE org_id = $1 AND phone = $2 AND status IN ('active', 'waiting_input')`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, orgID, phone))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return s, true, nil
}

func (r *PostgresRepo) Get(ctx context.Context, orgID, id string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE org_id = $1 AND id = $2`
	return scanSession(r.db.QueryRowContext(ctx, q, orgID, id))
}

func (r *PostgresRepo) FindByLastMessage(ctx context.Context, orgID, messageID string) (Session, bool, error) {
	if messageID == "" {
		return Session{}, false, nil
	}
	const q = `SELECT ` + sessionColumns + ` FROM chat_sessions
WHERE org_id = $1 AND last_message_id = $2
ORDER BY updated_at DESC
LIMIT 1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, orgID, messageID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return s, true, nil
}

func (r *PostgresRepo) Create(ctx context.Context, s Session) error {
	if s.ID == "" || s.OrgID == "" || s.Phone == "" {
		return ErrInvalidArgument
	}
	data, err := encodeData(s.Data)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO chat_sessions (
  id, org_id, phone, device_id, active_flow_id, current_step_id, status,
  session_token, data, last_message_id, last_tokens, version, created_at, updated_at
) VALUES (
  $1,$2,$3,NULLIF($4, ''),NULLIF($5, ''),NULLIF($6, ''),$7,$8,$9::jsonb,NULLIF($10, ''),$11,$12,$13,$14
)
`
	_, err = r.db.ExecContext(ctx, q,
		s.ID, s.OrgID, s.Phone, s.DeviceID, s.ActiveFlowID, s.CurrentStepID, s.Status,
		s.SessionToken, data, s.LastMessageID, s.LastTokens, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if utils.IsUniqueViolation(err, liveIndex) {
		return ErrActiveExists
	}
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, s Session) (Session, error) {
	data, err := encodeData(s.Data)
	if err != nil {
		return Session{}, err
	}
	const q = `
UPDATE chat_sessions
SET active_flow_id = NULLIF($3, ''),
    current_step_id = NULLIF($4, ''),
    status = $5,
    data = $6::jsonb,
    last_message_id = NULLIF($7, ''),
    last_tokens = $8,
    updated_at = $9,
    version = version + 1
WHERE org_id = $1 AND id = $2 AND version = $10
RETURNING ` + sessionColumns
	out, err := scanSession(r.db.QueryRowContext(ctx, q,
		s.OrgID, s.ID, s.ActiveFlowID, s.CurrentStepID, s.Status, data,
		s.LastMessageID, s.LastTokens, s.UpdatedAt, s.Version,
	))
	if err == nil {
		return out, nil
	}
	if utils.IsUniqueViolation(err, liveIndex) {
		return Session{}, ErrActiveExists
	}
	if errors.Is(err, ErrNotFound) {
		// Either gone or version moved on; tell them apart for the caller.
		if _, gerr := r.Get(ctx, s.OrgID, s.ID); gerr == nil {
			return Session{}, ErrVersionConflict
		}
		return Session{}, ErrNotFound
	}
	return Session{}, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s    Session
		data string
	)
	err := row.Scan(
		&s.ID,
		&s.OrgID,
		&s.Phone,
		&s.DeviceID,
		&s.ActiveFlowID,
		&s.CurrentStepID,
		&s.Status,
		&s.SessionToken,
		&data,
		&s.LastMessageID,
		&s.LastTokens,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if data != "" && data != "{}" && data != "null" {
		if err := json.Unmarshal([]byte(data), &s.Data); err != nil {
			return Session{}, err
		}
	}
	return s, nil
}

func encodeData(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
