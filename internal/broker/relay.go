package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/quantedge/tradepipe/internal/domain"
)

const (
	relayWriteWait = 10 * time.Second
	relayDialWait  = 30 * time.Second
	relayMaxFails  = 5
)

// relayTickMessage is the wire shape a RELAY feed publishes per tick:
// ["tick", {...}]. The relay re-broadcasts whatever its own upstream
// vendor connection produces, so the envelope is intentionally thin.
type relayTickMessage struct {
	Symbol     string  `json:"symbol"`
	LastPrice  float64 `json:"ltp"`
	LTQ        int64   `json:"ltq"`
	Volume     int64   `json:"volume"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	ExchangeTs int64   `json:"exchange_ts"` // unix millis, 0 if unavailable
}

// RelayDataBroker implements DataBroker against an in-house feed relay
// (spec §6 DATA_FEED_MODE=RELAY): a single upstream WebSocket this
// process authenticates to with RELAY_TOKEN, fanning ticks out to
// per-symbol subscribers. It does not itself speak to any exchange —
// GetHistoricalCandles/GetInstruments are not part of the relay
// protocol and return ErrDataFetch.
type RelayDataBroker struct {
	url        string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
	breaker    *CircuitBreaker

	mu         sync.RWMutex
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	state      ConnState
	lastTickAt time.Time

	subMu sync.RWMutex
	subs  map[string][]TickListener

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRelayDataBroker builds an adapter that dials url and authenticates
// with token on Connect.
func NewRelayDataBroker(url, token string, log zerolog.Logger) *RelayDataBroker {
	return &RelayDataBroker{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				// Cloudflare-fronted relays negotiate HTTP/2 via ALPN, but
				// the WebSocket upgrade handshake requires HTTP/1.1.
				TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
				ForceAttemptHTTP2: false,
			},
		},
		log:     log.With().Str("component", "relay_data_broker").Logger(),
		breaker: NewCircuitBreaker(relayMaxFails),
		state:   ConnDisconnected,
		subs:    make(map[string][]TickListener),
		stopCh:  make(chan struct{}),
	}
}

// Connect dials the relay and starts the read loop. ub/session are
// accepted to satisfy DataBroker; a relay feed authenticates with its
// own shared token rather than a per-user broker session.
func (b *RelayDataBroker) Connect(ctx context.Context, ub domain.UserBroker, session domain.UserBrokerSession) error {
	return b.dial(ctx)
}

func (b *RelayDataBroker) dial(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dialURL := b.url
	if b.token != "" {
		dialURL += "?token=" + b.token
	}

	dialCtx, cancel := context.WithTimeout(ctx, relayDialWait)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, dialURL, &websocket.DialOptions{HTTPClient: b.httpClient})
	if err != nil {
		delay := b.breaker.RecordFailure()
		b.state = ConnDisconnected
		b.log.Warn().Err(err).Dur("retry_in", delay).Msg("relay dial failed")
		return fmt.Errorf("%w: %s", ErrConnection, err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	b.conn = conn
	b.cancelRead = readCancel
	b.state = ConnConnected
	b.breaker.RecordSuccess()

	go b.readLoop(readCtx, conn)
	return nil
}

// Disconnect closes the relay connection and stops the read loop.
func (b *RelayDataBroker) Disconnect(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	if b.cancelRead != nil {
		b.cancelRead()
	}
	err := b.conn.Close(websocket.StatusNormalClosure, "")
	b.conn = nil
	b.state = ConnDisconnected
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConnection, err)
	}
	return nil
}

// SubscribeTicks registers listener for symbol and, if this is the
// first subscriber for symbol, sends a subscribe frame upstream.
func (b *RelayDataBroker) SubscribeTicks(symbol string, listener TickListener) error {
	b.subMu.Lock()
	first := len(b.subs[symbol]) == 0
	b.subs[symbol] = append(b.subs[symbol], listener)
	b.subMu.Unlock()

	if !first {
		return nil
	}
	return b.sendFrame([]string{"subscribe", symbol})
}

// UnsubscribeTicks removes listener; when it was the last one for
// symbol it sends an unsubscribe frame upstream.
func (b *RelayDataBroker) UnsubscribeTicks(symbol string, listener TickListener) error {
	b.subMu.Lock()
	remaining := b.subs[symbol][:0]
	for _, l := range b.subs[symbol] {
		if l != listener {
			remaining = append(remaining, l)
		}
	}
	b.subs[symbol] = remaining
	empty := len(remaining) == 0
	if empty {
		delete(b.subs, symbol)
	}
	b.subMu.Unlock()

	if !empty {
		return nil
	}
	return b.sendFrame([]string{"unsubscribe", symbol})
}

func (b *RelayDataBroker) sendFrame(frame []string) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relay: marshal frame: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), relayWriteWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %s", ErrConnection, err)
	}
	return nil
}

// GetHistoricalCandles is not served by the relay protocol; candle
// history comes from internal/candles.Builder's own store.
func (b *RelayDataBroker) GetHistoricalCandles(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	return nil, ErrDataFetch
}

// GetInstruments is not served by the relay protocol.
func (b *RelayDataBroker) GetInstruments(ctx context.Context) ([]domain.Instrument, error) {
	return nil, ErrDataFetch
}

// Health reports the current connection and circuit state.
func (b *RelayDataBroker) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Health{
		State:             b.state,
		LastTickAt:        b.lastTickAt,
		ConsecutiveErrors: 0,
		CircuitBreaker:    b.breaker.State(),
	}
}

func (b *RelayDataBroker) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer b.maybeReconnect()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn().Err(err).Msg("relay read failed")
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := b.handleFrame(data); err != nil {
			b.log.Error().Err(err).Msg("relay frame handling failed")
		}
	}
}

func (b *RelayDataBroker) handleFrame(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 2 {
		return fmt.Errorf("relay: malformed frame")
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return fmt.Errorf("relay: bad frame kind: %w", err)
	}
	if kind != "tick" {
		return nil
	}

	var msg relayTickMessage
	if err := json.Unmarshal(raw[1], &msg); err != nil {
		return fmt.Errorf("relay: bad tick payload: %w", err)
	}

	tick := domain.Tick{
		Symbol:     msg.Symbol,
		LastPrice:  domain.NewFromFloat(msg.LastPrice),
		LTQ:        msg.LTQ,
		Volume:     msg.Volume,
		Bid:        domain.NewFromFloat(msg.Bid),
		Ask:        domain.NewFromFloat(msg.Ask),
		ReceivedTs: time.Now(),
	}
	if msg.ExchangeTs > 0 {
		tick.ExchangeTs = time.UnixMilli(msg.ExchangeTs)
	}

	b.mu.Lock()
	b.lastTickAt = tick.ReceivedTs
	b.mu.Unlock()

	b.subMu.RLock()
	listeners := b.subs[msg.Symbol]
	b.subMu.RUnlock()
	for _, l := range listeners {
		l.OnTick(tick)
	}
	return nil
}

func (b *RelayDataBroker) maybeReconnect() {
	select {
	case <-b.stopCh:
		return
	default:
	}

	b.mu.Lock()
	b.state = ConnReconnecting
	b.mu.Unlock()

	delay := b.breaker.RecordFailure()
	select {
	case <-time.After(delay):
	case <-b.stopCh:
		return
	}

	if err := b.dial(context.Background()); err != nil {
		b.log.Error().Err(err).Msg("relay reconnect failed")
	}
}
