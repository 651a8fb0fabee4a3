package domain

import "time"

// User is a tenant of the pipeline. Authentication itself (JWT issuance,
// password verification) is out of scope per spec §1 — this struct only
// carries the fields the pipeline needs to resolve ownership.
type User struct {
	Versioned
	UserID       string `db:"user_id"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	Role         string `db:"role"`
}

// Broker is a known adapter vendor (e.g. a specific DATA or EXEC
// integration), identified by a stable code independent of any tenant.
type Broker struct {
	Versioned
	BrokerID     string `db:"broker_id"`
	BrokerCode   string `db:"broker_code"`
	Name         string `db:"name"`
	AdapterClass string `db:"adapter_class"`
}

// UserBroker binds a tenant to a Broker in one of two roles. Exactly
// one active DATA UserBroker must exist per tenant; one or more active
// EXEC UserBrokers may coexist (spec §3 invariant 1).
type UserBroker struct {
	Versioned
	UserBrokerID    string      `db:"user_broker_id"`
	UserID          string      `db:"user_id"`
	BrokerID        string      `db:"broker_id"`
	Role            BrokerRole  `db:"role"`
	Environment     Environment `db:"environment"`
	Enabled         bool        `db:"enabled"`
	CapitalAllocated Decimal    `db:"capital_allocated"`
	MaxExposure     Decimal     `db:"max_exposure"`
	MaxPerTrade     Decimal     `db:"max_per_trade"`
	MaxDailyLoss    Decimal     `db:"max_daily_loss"`
}

// UserBrokerSession holds the latest access token for a UserBroker.
// Issuing a new token creates a new version; readers always select the
// latest active row (spec §3).
type UserBrokerSession struct {
	Versioned
	SessionID      string        `db:"session_id"`
	UserBrokerID   string        `db:"user_broker_id"`
	AccessToken    string        `db:"access_token"`
	TokenValidTill time.Time     `db:"token_valid_till"`
	Status         SessionStatus `db:"status"`
}

// IsValid reports whether the session can still authenticate broker calls.
func (s UserBrokerSession) IsValid(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.TokenValidTill)
}
