package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/retailassist/session-server-go/internal/database"
	"github.com/retailassist/session-server-go/internal/model"
)

// ErrNotPersisted is returned by row-level writes when the durable store has
// no record for the token yet, typically because the initial upsert failed.
var ErrNotPersisted = errors.New("session not persisted")

type SessionRepository interface {
	// FindActiveByIdentity returns the most recently active session stored
	// under the phone that has not expired at now, falling back to the chat id.
	FindActiveByIdentity(ctx context.Context, identity model.Identity, now time.Time) (*model.Session, error)
	FindByToken(ctx context.Context, token string) (*model.Session, error)
	// Upsert writes the whole record. It never reopens an ended session,
	// never moves timestamps backwards and never replaces a customer id.
	Upsert(ctx context.Context, s *model.Session) error
	PatchFields(ctx context.Context, token string, patch model.SessionPatch) error
	SoftDelete(ctx context.Context, token string, at time.Time) error
	// DeleteEndedBefore removes ended or expired records last updated before cutoff.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type sessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

const sessionColumns = `token, phone, chat_id, customer_id, channels, data, status,
	created_at, last_activity_at, expires_at, updated_at`

func (r *sessionRepo) FindActiveByIdentity(ctx context.Context, identity model.Identity, now time.Time) (*model.Session, error) {
	if identity.Phone != "" {
		s, err := r.findActiveBy(ctx, "phone", identity.Phone, now)
		if err != nil || s != nil {
			return s, err
		}
	}
	if identity.ChatID != "" {
		return r.findActiveBy(ctx, "chat_id", identity.ChatID, now)
	}
	return nil, nil
}

// findActiveBy skips lapsed rows so an expired phone record cannot hide a
// live session held under the chat id.
func (r *sessionRepo) findActiveBy(ctx context.Context, column, value string, now time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE `+column+` = $1 AND status = 'active' AND expires_at > $2
		ORDER BY last_activity_at DESC
		LIMIT 1
	`, value, now)
	s, err := HandleNotFound(&session, err)
	if err != nil {
		return nil, fmt.Errorf("find session by %s: %w", column, err)
	}
	return s, nil
}

func (r *sessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT `+sessionColumns+` FROM sessions WHERE token = $1
	`, token)
	s, err := HandleNotFound(&session, err)
	if err != nil {
		return nil, fmt.Errorf("find session by token: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) Upsert(ctx context.Context, s *model.Session) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if s.Status == model.SessionStatusActive {
			if err := retireExpired(ctx, tx, s); err != nil {
				return err
			}
		}
		return upsert(ctx, tx, s)
	})
}

// retireExpired ends lapsed records that still hold the identity so the
// active-identity unique indexes accept the new session.
func retireExpired(ctx context.Context, db dbtx, s *model.Session) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sessions SET status = 'ended', updated_at = NOW()
		WHERE status = 'active' AND token <> $1 AND expires_at <= $4
		AND ((phone <> '' AND phone = $2) OR (chat_id <> '' AND chat_id = $3))
	`, s.Token, s.Phone, s.ChatID, s.LastActivityAt)
	if err != nil {
		return fmt.Errorf("retire expired sessions: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, db dbtx, s *model.Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (token, phone, chat_id, customer_id, channels, data, status,
			created_at, last_activity_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (token) DO UPDATE SET
			phone = EXCLUDED.phone,
			chat_id = EXCLUDED.chat_id,
			customer_id = COALESCE(sessions.customer_id, EXCLUDED.customer_id),
			channels = EXCLUDED.channels,
			data = EXCLUDED.data,
			status = CASE WHEN sessions.status = 'ended' THEN 'ended' ELSE EXCLUDED.status END,
			last_activity_at = GREATEST(sessions.last_activity_at, EXCLUDED.last_activity_at),
			expires_at = GREATEST(sessions.expires_at, EXCLUDED.expires_at),
			updated_at = NOW()
	`, s.Token, s.Phone, s.ChatID, s.CustomerID, s.Channels, s.Data, s.Status,
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) PatchFields(ctx context.Context, token string, patch model.SessionPatch) error {
	sets := make([]string, 0, 8)
	args := []any{token}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, strings.ReplaceAll(expr, "?", fmt.Sprintf("$%d", len(args))))
	}

	if patch.Phone != nil {
		add("phone = ?", *patch.Phone)
	}
	if patch.ChatID != nil {
		add("chat_id = ?", *patch.ChatID)
	}
	if patch.CustomerID != nil {
		add("customer_id = COALESCE(customer_id, ?)", *patch.CustomerID)
	}
	if patch.Channels != nil {
		add("channels = ?", patch.Channels)
	}
	if patch.Data != nil {
		add("data = ?", patch.Data)
	}
	if patch.LastActivityAt != nil {
		add("last_activity_at = GREATEST(last_activity_at, ?)", *patch.LastActivityAt)
	}
	if patch.ExpiresAt != nil {
		add("expires_at = GREATEST(expires_at, ?)", *patch.ExpiresAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	result, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE token = $1 AND status = 'active'",
		args...)
	if err != nil {
		return fmt.Errorf("patch session: %w", err)
	}
	return requireRow(result)
}

func (r *sessionRepo) SoftDelete(ctx context.Context, token string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'ended',
			updated_at = $2
		WHERE token = $1
	`, token, at)
	if err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	return requireRow(result)
}

func (r *sessionRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE (status = 'ended' AND updated_at < $1)
		OR expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete ended sessions: %w", err)
	}
	return result.RowsAffected()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPersisted
	}
	return nil
}
