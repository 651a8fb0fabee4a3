package domain

import "errors"

// Errors returned by the immutable repository substrate (spec §4.1) and
// by the single-writer services that sit on top of it (SMS, TMS).
var (
	// ErrNotFound indicates no active (deleted_at IS NULL) row exists
	// for the requested business id.
	ErrNotFound = errors.New("domain: not found")

	// ErrDuplicateActive indicates an insert_v1 collided with a partial
	// unique index on an already-active row. Callers attempting to
	// (re)insert the same business row should treat this as success.
	ErrDuplicateActive = errors.New("domain: duplicate active row")

	// ErrStaleVersion indicates an update was attempted against a
	// version that is no longer current.
	ErrStaleVersion = errors.New("domain: stale version")

	// ErrIllegalTransition indicates a state machine transition outside
	// the allowed edges (Trade, Signal, SignalDelivery, ExitSignal,
	// ExitIntent, Order). This is a programmer error: fail fast, never
	// retry.
	ErrIllegalTransition = errors.New("domain: illegal state transition")

	// ErrDeliveryNotConsumable indicates consume_delivery's CAS could
	// not apply because the delivery was not in DELIVERED status.
	ErrDeliveryNotConsumable = errors.New("domain: delivery not consumable")

	// ErrAlreadyConsumed indicates a one-shot token (an OAuthState) was
	// already redeemed by a prior callback.
	ErrAlreadyConsumed = errors.New("domain: already consumed")
)

// IsBenignDuplicate reports whether err is the idempotency-violation
// case that callers attempting to (re)publish the same business row
// should swallow. Per spec §7: "treated as success... logged at DEBUG".
func IsBenignDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateActive)
}
