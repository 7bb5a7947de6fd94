package store

import (
	"context"
	"fmt"

	"calsync/internal/model"
)

// EventStore persists model.Event records keyed by event id.
type EventStore struct {
	db *DB
}

func (s *EventStore) table() table[model.Event] {
	return table[model.Event]{
		db:   s.db,
		name: StoreEvents,
		key:  func(ev model.Event) string { return ev.ID },
		cols: []string{"calendar_id"},
		vals: func(ev model.Event) []any { return []any{ev.CalendarID} },
	}
}

// Persist inserts or replaces ev. A nil tx runs in its own transaction.
func (s *EventStore) Persist(ctx context.Context, tx *Tx, ev model.Event) error {
	return s.table().persist(ctx, tx, ev)
}

// Remove deletes the event row only; see RemoveCascade for dependents.
func (s *EventStore) Remove(ctx context.Context, tx *Tx, id string) error {
	return s.table().remove(ctx, tx, id)
}

func (s *EventStore) Get(ctx context.Context, id string) (model.Event, error) {
	return s.table().get(ctx, nil, id)
}

func (s *EventStore) ListByCalendar(ctx context.Context, calendarID string) ([]model.Event, error) {
	return s.table().list(ctx, nil, "calendar_id = ?", "id", calendarID)
}

// CascadeScope is the set of stores RemoveCascade writes to.
var CascadeScope = []string{StoreEvents, StoreBusytimes, StoreAlarms, StoreIcalComponents}

// RemoveCascade deletes an event together with its busytimes, alarms and
// ical component. A missing event is ErrNotFound; dependents are removed
// regardless so orphans from interrupted writes get cleaned up.
func (s *EventStore) RemoveCascade(ctx context.Context, tx *Tx, id string) error {
	return s.db.run(ctx, tx, ReadWrite, CascadeScope, func(tx *Tx) error {
		return s.removeCascade(ctx, tx, id)
	})
}

func (s *EventStore) removeCascade(ctx context.Context, tx *Tx, id string) error {
	if _, err := s.db.busytimes.removeEvent(ctx, tx, id); err != nil {
		return err
	}
	if _, err := s.db.icalComponents.table().removeWhere(ctx, tx, "id", id); err != nil {
		return err
	}
	n, err := s.table().removeWhere(ctx, tx, "id", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("events: %s: %w", id, ErrNotFound)
	}
	return nil
}
