package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Tx is a transaction scoped to a fixed set of stores.
type Tx struct {
	tx    *sql.Tx
	mode  Mode
	scope map[string]bool

	once sync.Once
	done chan struct{}
	err  error
}

// Transaction opens a transaction over the named stores.
func (db *DB) Transaction(ctx context.Context, mode Mode, names ...string) (*Tx, error) {
	if len(names) == 0 {
		return nil, errors.New("transaction needs at least one store")
	}
	scope := make(map[string]bool, len(names))
	for _, n := range names {
		if _, err := db.Store(n); err != nil {
			return nil, err
		}
		scope[n] = true
	}

	sqlTx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: mode == ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{
		tx:    sqlTx,
		mode:  mode,
		scope: scope,
		done:  make(chan struct{}),
	}, nil
}

// Commit completes the transaction. Calling it again returns the first result.
func (t *Tx) Commit() error {
	t.once.Do(func() {
		if err := t.tx.Commit(); err != nil {
			t.err = fmt.Errorf("commit transaction: %w", err)
		}
		close(t.done)
	})
	return t.err
}

// Rollback aborts the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	var rbErr error
	t.once.Do(func() {
		rbErr = t.tx.Rollback()
		t.err = errors.New("transaction rolled back")
		close(t.done)
	})
	return rbErr
}

// Done is closed once the transaction has committed or rolled back.
func (t *Tx) Done() <-chan struct{} {
	return t.done
}

// Err reports the outcome after Done is closed: nil on a successful commit.
func (t *Tx) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Covers reports whether name is part of the transaction scope.
func (t *Tx) Covers(name string) bool {
	return t.scope[name]
}

func (t *Tx) use(name string, write bool) (*sql.Tx, error) {
	if !t.scope[name] {
		return nil, fmt.Errorf("%w: %s", ErrOutOfScope, name)
	}
	if write && t.mode != ReadWrite {
		return nil, fmt.Errorf("write to %s in %s transaction", name, t.mode)
	}
	select {
	case <-t.done:
		return nil, errors.New("transaction already finished")
	default:
	}
	return t.tx, nil
}

// run executes fn inside tx, or inside a fresh transaction over names when
// tx is nil. The fresh transaction is committed when fn succeeds.
func (db *DB) run(ctx context.Context, tx *Tx, mode Mode, names []string, fn func(*Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	own, err := db.Transaction(ctx, mode, names...)
	if err != nil {
		return err
	}
	if err := fn(own); err != nil {
		_ = own.Rollback()
		return err
	}
	return own.Commit()
}
