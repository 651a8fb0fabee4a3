package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/domain"
)

// This file groups the four low-churn tenant/config entities (User,
// Broker, UserBroker, UserBrokerSession) together rather than one file
// per table.

var userColumns = []string{"user_id", "version", "email", "password_hash", "role", "created_at", "deleted_at"}

func scanUser(row database.Scanner) (domain.User, error) {
	var u domain.User
	var deletedAt sql.NullTime
	if err := row.Scan(&u.UserID, &u.Version, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &deletedAt); err != nil {
		return domain.User{}, err
	}
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Time
	}
	return u, nil
}

func bindUser(u domain.User, version int64) ([]string, []any) {
	var deletedAt any
	if u.DeletedAt != nil {
		deletedAt = *u.DeletedAt
	}
	return userColumns, []any{u.UserID, version, u.Email, u.PasswordHash, u.Role, u.CreatedAt, deletedAt}
}

type UserRepository struct {
	*database.VersionedRepo[domain.User]
}

func NewUserRepository(db *sql.DB, log zerolog.Logger) *UserRepository {
	return &UserRepository{database.NewVersionedRepo(db, database.Mapper[domain.User]{
		Table: "users", IDCol: "user_id", Columns: userColumns,
		Scan: scanUser, Bind: bindUser,
		GetID:      func(u domain.User) string { return u.UserID },
		GetVersion: func(u domain.User) int64 { return u.Version },
		SetVersion: func(u *domain.User, v int64) { u.Version = v },
	})}
}

var brokerColumns = []string{"broker_id", "version", "broker_code", "name", "adapter_class", "created_at", "deleted_at"}

func scanBroker(row database.Scanner) (domain.Broker, error) {
	var b domain.Broker
	var deletedAt sql.NullTime
	if err := row.Scan(&b.BrokerID, &b.Version, &b.BrokerCode, &b.Name, &b.AdapterClass, &b.CreatedAt, &deletedAt); err != nil {
		return domain.Broker{}, err
	}
	if deletedAt.Valid {
		b.DeletedAt = &deletedAt.Time
	}
	return b, nil
}

func bindBroker(b domain.Broker, version int64) ([]string, []any) {
	var deletedAt any
	if b.DeletedAt != nil {
		deletedAt = *b.DeletedAt
	}
	return brokerColumns, []any{b.BrokerID, version, b.BrokerCode, b.Name, b.AdapterClass, b.CreatedAt, deletedAt}
}

type BrokerRepository struct {
	*database.VersionedRepo[domain.Broker]
}

func NewBrokerRepository(db *sql.DB, log zerolog.Logger) *BrokerRepository {
	return &BrokerRepository{database.NewVersionedRepo(db, database.Mapper[domain.Broker]{
		Table: "brokers", IDCol: "broker_id", Columns: brokerColumns,
		Scan: scanBroker, Bind: bindBroker,
		GetID:      func(b domain.Broker) string { return b.BrokerID },
		GetVersion: func(b domain.Broker) int64 { return b.Version },
		SetVersion: func(b *domain.Broker, v int64) { b.Version = v },
	})}
}

var userBrokerColumns = []string{
	"user_broker_id", "version", "user_id", "broker_id", "role", "environment",
	"enabled", "capital_allocated", "max_exposure", "max_per_trade", "max_daily_loss",
	"created_at", "deleted_at",
}

func scanUserBroker(row database.Scanner) (domain.UserBroker, error) {
	var ub domain.UserBroker
	var deletedAt sql.NullTime
	err := row.Scan(&ub.UserBrokerID, &ub.Version, &ub.UserID, &ub.BrokerID, &ub.Role, &ub.Environment,
		&ub.Enabled, &ub.CapitalAllocated, &ub.MaxExposure, &ub.MaxPerTrade, &ub.MaxDailyLoss,
		&ub.CreatedAt, &deletedAt)
	if err != nil {
		return domain.UserBroker{}, err
	}
	if deletedAt.Valid {
		ub.DeletedAt = &deletedAt.Time
	}
	return ub, nil
}

func bindUserBroker(ub domain.UserBroker, version int64) ([]string, []any) {
	var deletedAt any
	if ub.DeletedAt != nil {
		deletedAt = *ub.DeletedAt
	}
	return userBrokerColumns, []any{
		ub.UserBrokerID, version, ub.UserID, ub.BrokerID, ub.Role, ub.Environment,
		ub.Enabled, ub.CapitalAllocated, ub.MaxExposure, ub.MaxPerTrade, ub.MaxDailyLoss,
		ub.CreatedAt, deletedAt,
	}
}

// UserBrokerRepository backs the "exactly one active DATA UserBroker
// per tenant" invariant (spec §3) — enforced at the DB via a partial
// unique index, this repository only ever surfaces
// domain.ErrDuplicateActive on a violation.
type UserBrokerRepository struct {
	*database.VersionedRepo[domain.UserBroker]
	db *sql.DB
}

func NewUserBrokerRepository(db *sql.DB, log zerolog.Logger) *UserBrokerRepository {
	return &UserBrokerRepository{
		VersionedRepo: database.NewVersionedRepo(db, database.Mapper[domain.UserBroker]{
			Table: "user_brokers", IDCol: "user_broker_id", Columns: userBrokerColumns,
			Scan: scanUserBroker, Bind: bindUserBroker,
			GetID:      func(ub domain.UserBroker) string { return ub.UserBrokerID },
			GetVersion: func(ub domain.UserBroker) int64 { return ub.Version },
			SetVersion: func(ub *domain.UserBroker, v int64) { ub.Version = v },
		}),
		db: db,
	}
}

// FindActiveByUser returns every active UserBroker for a tenant.
func (r *UserBrokerRepository) FindActiveByUser(ctx context.Context, userID string) ([]domain.UserBroker, error) {
	q := fmt.Sprintf(`SELECT %s FROM user_brokers WHERE user_id = ? AND deleted_at IS NULL`, joinColumns(userBrokerColumns))
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("database: find user brokers: %w", err)
	}
	defer rows.Close()
	var out []domain.UserBroker
	for rows.Next() {
		ub, err := scanUserBroker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ub)
	}
	return out, rows.Err()
}

// FindActiveByRole returns every active, enabled UserBroker with the
// given role — used by SMS's persist_and_publish to fan out deliveries
// to "all EXEC brokers for enabled users" (spec §4.5).
func (r *UserBrokerRepository) FindActiveByRole(ctx context.Context, role domain.BrokerRole) ([]domain.UserBroker, error) {
	q := fmt.Sprintf(`SELECT %s FROM user_brokers WHERE role = ? AND enabled = 1 AND deleted_at IS NULL`, joinColumns(userBrokerColumns))
	rows, err := r.db.QueryContext(ctx, q, role)
	if err != nil {
		return nil, fmt.Errorf("database: find user brokers by role: %w", err)
	}
	defer rows.Close()
	var out []domain.UserBroker
	for rows.Next() {
		ub, err := scanUserBroker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ub)
	}
	return out, rows.Err()
}

var sessionColumns = []string{
	"session_id", "version", "user_broker_id", "access_token", "token_valid_till",
	"status", "created_at", "deleted_at",
}

func scanSession(row database.Scanner) (domain.UserBrokerSession, error) {
	var s domain.UserBrokerSession
	var deletedAt sql.NullTime
	err := row.Scan(&s.SessionID, &s.Version, &s.UserBrokerID, &s.AccessToken, &s.TokenValidTill,
		&s.Status, &s.CreatedAt, &deletedAt)
	if err != nil {
		return domain.UserBrokerSession{}, err
	}
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.Time
	}
	return s, nil
}

func bindSession(s domain.UserBrokerSession, version int64) ([]string, []any) {
	var deletedAt any
	if s.DeletedAt != nil {
		deletedAt = *s.DeletedAt
	}
	return sessionColumns, []any{s.SessionID, version, s.UserBrokerID, s.AccessToken, s.TokenValidTill, s.Status, s.CreatedAt, deletedAt}
}

// SessionRepository stores the latest access token per UserBroker. A
// new token creates a new version; FindActiveByUserBroker always
// selects the latest active row (spec §3).
type SessionRepository struct {
	*database.VersionedRepo[domain.UserBrokerSession]
	db *sql.DB
}

func NewSessionRepository(db *sql.DB, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{
		VersionedRepo: database.NewVersionedRepo(db, database.Mapper[domain.UserBrokerSession]{
			Table: "user_broker_sessions", IDCol: "session_id", Columns: sessionColumns,
			Scan: scanSession, Bind: bindSession,
			GetID:      func(s domain.UserBrokerSession) string { return s.SessionID },
			GetVersion: func(s domain.UserBrokerSession) int64 { return s.Version },
			SetVersion: func(s *domain.UserBrokerSession, v int64) { s.Version = v },
		}),
		db: db,
	}
}

func (r *SessionRepository) FindActiveByUserBroker(ctx context.Context, userBrokerID string) (domain.UserBrokerSession, error) {
	q := fmt.Sprintf(`SELECT %s FROM user_broker_sessions WHERE user_broker_id = ? AND deleted_at IS NULL`, joinColumns(sessionColumns))
	s, err := scanSession(r.db.QueryRowContext(ctx, q, userBrokerID))
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.UserBrokerSession{}, domain.ErrNotFound
		}
		return domain.UserBrokerSession{}, err
	}
	return s, nil
}
