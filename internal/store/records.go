package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// table is the shared JSON-record plumbing behind the typed stores. Each
// row has a text id, optional lookup columns and the marshaled record.
type table[T any] struct {
	db   *DB
	name string
	key  func(T) string
	// cols lists lookup columns and extracts their values from a record.
	cols []string
	vals func(T) []any
}

func (t table[T]) persist(ctx context.Context, tx *Tx, rec T) error {
	id := t.key(rec)
	if id == "" {
		return fmt.Errorf("%s: record has empty id", t.name)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: marshal %s: %w", t.name, id, err)
	}

	cols := append([]string{"id"}, t.cols...)
	cols = append(cols, "data")
	args := []any{id}
	if t.vals != nil {
		args = append(args, t.vals(rec)...)
	}
	args = append(args, string(data))

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		tableFor(t.name), strings.Join(cols, ", "), placeholders(len(cols)))

	return t.db.run(ctx, tx, ReadWrite, []string{t.name}, func(tx *Tx) error {
		sqlTx, err := tx.use(t.name, true)
		if err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("%s: persist %s: %w", t.name, id, err)
		}
		return nil
	})
}

func (t table[T]) remove(ctx context.Context, tx *Tx, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableFor(t.name))
	return t.db.run(ctx, tx, ReadWrite, []string{t.name}, func(tx *Tx) error {
		sqlTx, err := tx.use(t.name, true)
		if err != nil {
			return err
		}
		res, err := sqlTx.ExecContext(ctx, query, id)
		if err != nil {
			return fmt.Errorf("%s: remove %s: %w", t.name, id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: remove %s: %w", t.name, id, ErrNotFound)
		}
		return nil
	})
}

// removeWhere deletes every row matching column = value and reports how many went.
func (t table[T]) removeWhere(ctx context.Context, tx *Tx, column string, value any) (int64, error) {
	sqlTx, err := tx.use(t.name, true)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", tableFor(t.name), column)
	res, err := sqlTx.ExecContext(ctx, query, value)
	if err != nil {
		return 0, fmt.Errorf("%s: remove by %s: %w", t.name, column, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t table[T]) get(ctx context.Context, tx *Tx, id string) (T, error) {
	var zero T
	q, err := t.reader(tx)
	if err != nil {
		return zero, err
	}

	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", tableFor(t.name))
	err = q.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%s: %s: %w", t.name, id, ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("%s: get %s: %w", t.name, id, err)
	}

	var rec T
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return zero, fmt.Errorf("%s: decode %s: %w", t.name, id, err)
	}
	return rec, nil
}

// list returns records matching where (may be empty) ordered by orderBy.
func (t table[T]) list(ctx context.Context, tx *Tx, where, orderBy string, args ...any) ([]T, error) {
	q, err := t.reader(tx)
	if err != nil {
		return nil, err
	}

	query := "SELECT data FROM " + tableFor(t.name)
	if where != "" {
		query += " WHERE " + where
	}
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: list: %w", t.name, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", t.name, err)
		}
		var rec T
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("%s: decode: %w", t.name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t table[T]) reader(tx *Tx) (queryer, error) {
	if tx == nil {
		return t.db.conn, nil
	}
	return tx.use(t.name, false)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
