package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/database/repositories"
)

// EventType represents different event types
type EventType string

const (
	ErrorOccurred EventType = "ERROR_OCCURRED"

	// Market data / candle pipeline
	CandleClosed         EventType = "CANDLE_CLOSED"
	DataBrokerStale      EventType = "DATA_BROKER_STALE"
	DataBrokerReconnect  EventType = "DATA_BROKER_RECONNECT"
	CircuitBreakerOpened EventType = "CIRCUIT_BREAKER_OPENED"
	CircuitBreakerClosed EventType = "CIRCUIT_BREAKER_CLOSED"
	ReadOnlyModeEntered  EventType = "READ_ONLY_MODE_ENTERED"
	ReadOnlyModeExited   EventType = "READ_ONLY_MODE_EXITED"

	// Signal / delivery lifecycle
	SignalPublished  EventType = "SIGNAL_PUBLISHED"
	SignalExpired    EventType = "SIGNAL_EXPIRED"
	SignalCancelled  EventType = "SIGNAL_CANCELLED"
	DeliveryCreated  EventType = "DELIVERY_CREATED"
	DeliveryConsumed EventType = "DELIVERY_CONSUMED"

	// Risk / intent
	IntentValidated EventType = "INTENT_VALIDATED"
	IntentRejected  EventType = "INTENT_REJECTED"

	// Order / trade lifecycle
	OrderPlaced       EventType = "ORDER_PLACED"
	OrderFilled       EventType = "ORDER_FILLED"
	OrderRejected     EventType = "ORDER_REJECTED"
	OrderCancelled    EventType = "ORDER_CANCELLED"
	TradeStateChanged EventType = "TRADE_STATE_CHANGED"
	TradeClosed       EventType = "TRADE_CLOSED"

	// Exit lifecycle
	ExitSignalGenerated EventType = "EXIT_SIGNAL_GENERATED"
	ExitEpisodeArmed    EventType = "EXIT_EPISODE_ARMED"

	// Reconciliation
	ReconcileDrift     EventType = "RECONCILE_DRIFT_DETECTED"
	ReconcileCorrected EventType = "RECONCILE_CORRECTED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// EventWriter is the persistence sink Manager's writer goroutine drains
// the event queue into. Satisfied by *repositories.EventRepository;
// narrowed to one method so tests can stub it without a real DB if a
// case ever needs that.
type EventWriter interface {
	Insert(ctx context.Context, e repositories.StoredEvent) error
}

// eventQueueCapacity bounds how many emitted events can be waiting for
// the writer goroutine before Emit starts dropping the oldest one
// (spec's hot-path resolution: tick-adjacent call sites must never
// block on a DB write).
const eventQueueCapacity = 1024

// Manager handles event emission, logging, and durable persistence.
type Manager struct {
	log    zerolog.Logger
	writer EventWriter
	queue  chan Event
}

// NewManager creates a new event manager. Run must be started in its
// own goroutine for emitted events to reach writer; until then they
// queue up to eventQueueCapacity and then start dropping the oldest.
func NewManager(writer EventWriter, log zerolog.Logger) *Manager {
	return &Manager{
		writer: writer,
		log:    log.With().Str("service", "events").Logger(),
		queue:  make(chan Event, eventQueueCapacity),
	}
}

// Run drains the event queue into writer until ctx is done. Intended
// to run in a single dedicated goroutine — one writer, matching every
// other single-writer boundary in this codebase.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.queue:
			m.persist(ctx, event)
		}
	}
}

func (m *Manager) persist(ctx context.Context, event Event) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		m.log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to marshal event data for persistence")
		data = []byte("{}")
	}
	stored := repositories.StoredEvent{
		EventID:    uuid.NewString(),
		EventType:  string(event.Type),
		Module:     event.Module,
		Data:       string(data),
		OccurredAt: event.Timestamp,
	}
	if err := m.writer.Insert(ctx, stored); err != nil {
		m.log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to persist event")
	}
}

// Emit emits an event: logged synchronously, queued for durable
// persistence. Never blocks the caller — a full queue drops the oldest
// queued event to make room for this one rather than applying
// backpressure to a tick-adjacent call site.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	select {
	case m.queue <- event:
		return
	default:
	}
	select {
	case <-m.queue:
	default:
	}
	select {
	case m.queue <- event:
	default:
		// lost the race to another Emit call refilling the queue; the
		// log line above is this event's only durable record.
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
