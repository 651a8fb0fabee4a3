package domain

import "time"

// OAuthState is a replay-resistant CSRF token for a broker's OAuth
// handshake (spec §3, §6). OAuth itself is an external concern (§1);
// this type exists only so the pipeline can validate a UserBrokerSession
// refresh originated from a state it issued.
type OAuthState struct {
	State        string     `db:"state"`
	UserBrokerID string     `db:"user_broker_id"`
	BrokerID     string     `db:"broker_id"`
	ExpiresAt    time.Time  `db:"expires_at"`
	UsedAt       *time.Time `db:"used_at"`
}

// Consumable reports whether the state can still be redeemed.
func (s OAuthState) Consumable(now time.Time) bool {
	return s.UsedAt == nil && now.Before(s.ExpiresAt)
}
