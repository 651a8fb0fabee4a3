package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// StoredEvent is the persisted shape of an events.Event row — this
// package cannot import internal/events (it would cycle back through
// internal/events -> internal/database), so it carries its own
// narrow copy of the fields worth persisting.
type StoredEvent struct {
	EventID    string
	EventType  string
	Module     string
	Data       string // pre-marshaled JSON
	OccurredAt time.Time
}

// EventRepository is the append-only ledger backing internal/events'
// persisted event stream (spec §5/§6). No soft-delete, no versioning —
// events are a record of what happened, never corrected in place.
type EventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewEventRepository(db *sql.DB, log zerolog.Logger) *EventRepository {
	return &EventRepository{db: db, log: log.With().Str("repo", "event").Logger()}
}

// Insert appends one event row.
func (r *EventRepository) Insert(ctx context.Context, e StoredEvent) error {
	const q = `INSERT INTO events (event_id, event_type, module, data, occurred_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, e.EventID, e.EventType, e.Module, e.Data, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("database: insert event: %w", err)
	}
	return nil
}

// FindByType returns the most recent events of a type, newest first,
// capped at limit — used for operator inspection, not on any hot path.
func (r *EventRepository) FindByType(ctx context.Context, eventType string, limit int) ([]StoredEvent, error) {
	const q = `SELECT event_id, event_type, module, data, occurred_at FROM events WHERE event_type = ? ORDER BY occurred_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("database: find events by type: %w", err)
	}
	defer rows.Close()
	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Module, &e.Data, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
