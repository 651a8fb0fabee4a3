// Package broker defines the vendor-neutral DataBroker and OrderBroker
// capability traits, plus a registry keyed by UserBroker id. Per the
// redesign away from inheritance, a concrete adapter implements either
// or both interfaces directly; there is no shared base adapter type.
package broker

import (
	"context"
	"time"

	"github.com/quantedge/tradepipe/internal/domain"
)

// ConnState is a DataBroker's streaming connection state.
type ConnState string

const (
	ConnConnected    ConnState = "CONNECTED"
	ConnReconnecting ConnState = "RECONNECTING"
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnStale        ConnState = "STALE"
)

// CircuitState mirrors the standard circuit-breaker vocabulary.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Health is the snapshot returned by DataBroker.Health.
type Health struct {
	State             ConnState
	LastTickAt        time.Time
	ConsecutiveErrors int
	CircuitBreaker    CircuitState
}

// IsStale reports whether the feed is connected but has not produced a
// tick within threshold (spec §4.2: STALE iff now-lastTickAt > threshold
// with state CONNECTED).
func (h Health) IsStale(now time.Time, threshold time.Duration) bool {
	if h.State != ConnConnected {
		return false
	}
	if h.LastTickAt.IsZero() {
		return true
	}
	return now.Sub(h.LastTickAt) > threshold
}

// TickListener receives ticks for a subscribed symbol. Implementations
// must not block; the adapter fans out synchronously to all listeners
// on its own read goroutine.
type TickListener interface {
	OnTick(tick domain.Tick)
}

// TickListenerFunc adapts a plain function to TickListener.
type TickListenerFunc func(tick domain.Tick)

func (f TickListenerFunc) OnTick(tick domain.Tick) { f(tick) }

// DataBroker is the streaming market-data capability (spec §4.2). An
// adapter subscribing the same symbol for multiple listeners must
// dedupe the upstream subscription itself.
type DataBroker interface {
	Connect(ctx context.Context, ub domain.UserBroker, session domain.UserBrokerSession) error
	Disconnect(ctx context.Context) error
	SubscribeTicks(symbol string, listener TickListener) error
	UnsubscribeTicks(symbol string, listener TickListener) error
	GetHistoricalCandles(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error)
	GetInstruments(ctx context.Context) ([]domain.Instrument, error)
	Health() Health
}

// Error classes a DataBroker/OrderBroker adapter can fail with (spec §4.2).
var (
	ErrConnection      = newBrokerError("connection")
	ErrDataFetch       = newBrokerError("data_fetch")
	ErrAuthExpired     = newBrokerError("auth_expired")
	ErrInsufficientFds = newBrokerError("insufficient_funds")
	ErrInvalidSymbol   = newBrokerError("invalid_symbol")
	ErrAlreadyFilled   = newBrokerError("already_filled")
	ErrOrderNotFound   = newBrokerError("order_not_found")
	ErrRateLimited     = newBrokerError("rate_limited")
)

type brokerError struct{ class string }

func newBrokerError(class string) *brokerError { return &brokerError{class: class} }

func (e *brokerError) Error() string { return "broker: " + e.class }
