package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

// OAuthStateRepository is a plain PK'd table, not a versioned entity —
// a state is issued once and consumed once via UsedAt (spec §3, §6).
type OAuthStateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewOAuthStateRepository(db *sql.DB, log zerolog.Logger) *OAuthStateRepository {
	return &OAuthStateRepository{db: db, log: log.With().Str("repo", "oauth_state").Logger()}
}

func (r *OAuthStateRepository) Insert(ctx context.Context, s domain.OAuthState) error {
	const q = `INSERT INTO oauth_states (state, user_broker_id, broker_id, expires_at, used_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, s.State, s.UserBrokerID, s.BrokerID, s.ExpiresAt, s.UsedAt)
	if err != nil {
		return fmt.Errorf("database: insert oauth state: %w", err)
	}
	return nil
}

func (r *OAuthStateRepository) Find(ctx context.Context, state string) (domain.OAuthState, error) {
	const q = `SELECT state, user_broker_id, broker_id, expires_at, used_at FROM oauth_states WHERE state = ?`
	var s domain.OAuthState
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, q, state).Scan(&s.State, &s.UserBrokerID, &s.BrokerID, &s.ExpiresAt, &usedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.OAuthState{}, domain.ErrNotFound
		}
		return domain.OAuthState{}, err
	}
	if usedAt.Valid {
		s.UsedAt = &usedAt.Time
	}
	return s, nil
}

// Consume marks a state used, but only if it is still unused — the
// affected-row check is the CAS that prevents replay of the same
// callback (spec's exactly-once pattern applied to the OAuth handshake).
func (r *OAuthStateRepository) Consume(ctx context.Context, state string, now time.Time) error {
	const q = `UPDATE oauth_states SET used_at = ? WHERE state = ? AND used_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, now, state)
	if err != nil {
		return fmt.Errorf("database: consume oauth state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database: consume oauth state rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAlreadyConsumed
	}
	return nil
}
