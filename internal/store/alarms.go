package store

import (
	"context"
	"encoding/json"
	"fmt"

	"calsync/internal/model"
)

// AlarmStore persists alarms under store-assigned integer ids.
type AlarmStore struct {
	db *DB
}

// Persist inserts alarm (or replaces it when ID is set) and returns the
// stored record with its id filled in.
func (s *AlarmStore) Persist(ctx context.Context, tx *Tx, alarm model.Alarm) (model.Alarm, error) {
	err := s.db.run(ctx, tx, ReadWrite, []string{StoreAlarms}, func(tx *Tx) error {
		sqlTx, err := tx.use(StoreAlarms, true)
		if err != nil {
			return err
		}

		data, err := json.Marshal(alarm)
		if err != nil {
			return fmt.Errorf("alarms: marshal: %w", err)
		}

		if alarm.ID != 0 {
			_, err = sqlTx.ExecContext(ctx,
				`INSERT OR REPLACE INTO alarms (id, event_id, busytime_id, start_utc, data) VALUES (?, ?, ?, ?, ?)`,
				alarm.ID, alarm.EventID, alarm.BusytimeID, alarm.StartDate.UTC, string(data))
			if err != nil {
				return fmt.Errorf("alarms: persist %d: %w", alarm.ID, err)
			}
			return nil
		}

		res, err := sqlTx.ExecContext(ctx,
			`INSERT INTO alarms (event_id, busytime_id, start_utc, data) VALUES (?, ?, ?, ?)`,
			alarm.EventID, alarm.BusytimeID, alarm.StartDate.UTC, string(data))
		if err != nil {
			return fmt.Errorf("alarms: persist for %s: %w", alarm.BusytimeID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("alarms: last insert id: %w", err)
		}
		alarm.ID = id
		return nil
	})
	return alarm, err
}

func (s *AlarmStore) Remove(ctx context.Context, tx *Tx, id int64) error {
	return s.db.run(ctx, tx, ReadWrite, []string{StoreAlarms}, func(tx *Tx) error {
		sqlTx, err := tx.use(StoreAlarms, true)
		if err != nil {
			return err
		}
		res, err := sqlTx.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("alarms: remove %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("alarms: remove %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *AlarmStore) Get(ctx context.Context, id int64) (model.Alarm, error) {
	alarms, err := s.list(ctx, "id = ?", id)
	if err != nil {
		return model.Alarm{}, err
	}
	if len(alarms) == 0 {
		return model.Alarm{}, fmt.Errorf("alarms: %d: %w", id, ErrNotFound)
	}
	return alarms[0], nil
}

func (s *AlarmStore) ListByEvent(ctx context.Context, eventID string) ([]model.Alarm, error) {
	return s.list(ctx, "event_id = ?", eventID)
}

func (s *AlarmStore) ListByBusytime(ctx context.Context, busytimeID string) ([]model.Alarm, error) {
	return s.list(ctx, "busytime_id = ?", busytimeID)
}

// ListBefore returns alarms firing at or before utc (ms).
func (s *AlarmStore) ListBefore(ctx context.Context, utc int64) ([]model.Alarm, error) {
	return s.list(ctx, "start_utc <= ?", utc)
}

func (s *AlarmStore) list(ctx context.Context, where string, args ...any) ([]model.Alarm, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT id, data FROM alarms WHERE "+where+" ORDER BY start_utc, id", args...)
	if err != nil {
		return nil, fmt.Errorf("alarms: list: %w", err)
	}
	defer rows.Close()

	out := make([]model.Alarm, 0)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("alarms: scan: %w", err)
		}
		var a model.Alarm
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("alarms: decode %d: %w", id, err)
		}
		a.ID = id
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AlarmStore) removeWhere(ctx context.Context, tx *Tx, column string, value any) (int64, error) {
	sqlTx, err := tx.use(StoreAlarms, true)
	if err != nil {
		return 0, err
	}
	res, err := sqlTx.ExecContext(ctx, "DELETE FROM alarms WHERE "+column+" = ?", value)
	if err != nil {
		return 0, fmt.Errorf("alarms: remove by %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
