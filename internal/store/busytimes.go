package store

import (
	"context"

	"calsync/internal/model"
)

// BusytimeStore persists one row per occurrence interval.
type BusytimeStore struct {
	db *DB
}

func (s *BusytimeStore) table() table[model.Busytime] {
	return table[model.Busytime]{
		db:   s.db,
		name: StoreBusytimes,
		key:  func(bt model.Busytime) string { return bt.ID },
		cols: []string{"event_id", "calendar_id", "start_utc", "end_utc"},
		vals: func(bt model.Busytime) []any {
			return []any{bt.EventID, bt.CalendarID, bt.Start.UTC, bt.End.UTC}
		},
	}
}

func (s *BusytimeStore) Persist(ctx context.Context, tx *Tx, bt model.Busytime) error {
	return s.table().persist(ctx, tx, bt)
}

func (s *BusytimeStore) Remove(ctx context.Context, tx *Tx, id string) error {
	return s.table().remove(ctx, tx, id)
}

func (s *BusytimeStore) Get(ctx context.Context, id string) (model.Busytime, error) {
	return s.table().get(ctx, nil, id)
}

// ListByEvent returns the busytimes of one event ordered by start.
func (s *BusytimeStore) ListByEvent(ctx context.Context, eventID string) ([]model.Busytime, error) {
	return s.table().list(ctx, nil, "event_id = ?", "start_utc, id", eventID)
}

// ListRange returns busytimes overlapping [startUTC, endUTC) in milliseconds.
func (s *BusytimeStore) ListRange(ctx context.Context, startUTC, endUTC int64) ([]model.Busytime, error) {
	return s.table().list(ctx, nil, "start_utc < ? AND end_utc > ?", "start_utc, id", endUTC, startUTC)
}

// RemoveEvent deletes every busytime of eventID and their alarms, returning
// the number of busytimes removed. Needs busytimes and alarms in scope.
func (s *BusytimeStore) RemoveEvent(ctx context.Context, tx *Tx, eventID string) (int64, error) {
	var n int64
	err := s.db.run(ctx, tx, ReadWrite, []string{StoreBusytimes, StoreAlarms}, func(tx *Tx) error {
		var err error
		n, err = s.removeEvent(ctx, tx, eventID)
		return err
	})
	return n, err
}

func (s *BusytimeStore) removeEvent(ctx context.Context, tx *Tx, eventID string) (int64, error) {
	if _, err := s.db.alarms.removeWhere(ctx, tx, "event_id", eventID); err != nil {
		return 0, err
	}
	return s.table().removeWhere(ctx, tx, "event_id", eventID)
}
