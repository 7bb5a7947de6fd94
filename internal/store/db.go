// Package store is the keyed persistence layer for calendar records.
//
// Records live in an embedded SQLite database (ncruces/go-sqlite3, pure Go
// via wazero). Each logical store (events, busytimes, alarms, ...) maps to
// one table holding the JSON record plus the columns needed for lookups.
//
// Writes go through scoped transactions: a Tx names the stores it may touch
// and every store call checks its own name against that scope. Atomicity
// holds only within one Tx.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	appLog "calsync/internal/log"
)

// Store names accepted by Transaction.
const (
	StoreEvents         = "events"
	StoreBusytimes      = "busytimes"
	StoreAlarms         = "alarms"
	StoreIcalComponents = "icalComponents"
	StoreAccounts       = "accounts"
	StoreCalendars      = "calendars"
	StoreSettings       = "settings"
)

var (
	// ErrNotFound is returned by Get and Remove for unknown ids.
	ErrNotFound = errors.New("record not found")

	// ErrOutOfScope is returned when a store is used inside a transaction
	// that was not opened for it.
	ErrOutOfScope = errors.New("store not in transaction scope")

	// ErrUnknownStore is returned for names that are not one of the Store* constants.
	ErrUnknownStore = errors.New("unknown store")
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite connection pool and hands out typed stores.
type DB struct {
	conn *sql.DB
	path string

	events         *EventStore
	busytimes      *BusytimeStore
	alarms         *AlarmStore
	icalComponents *IcalComponentStore
	accounts       *AccountStore
	calendars      *CalendarStore
	settings       *SettingStore
}

// Open opens (creating if needed) the database at path. Write transactions
// take the write lock up front so concurrent writers queue on the busy
// timeout instead of failing on lock upgrade.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "foreign_keys(1)")
	dsn := "file:" + path + "?" + q.Encode()

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)

	db := &DB{conn: conn, path: path}
	db.events = &EventStore{db: db}
	db.busytimes = &BusytimeStore{db: db}
	db.alarms = &AlarmStore{db: db}
	db.icalComponents = &IcalComponentStore{db: db}
	db.accounts = &AccountStore{db: db}
	db.calendars = &CalendarStore{db: db}
	db.settings = &SettingStore{db: db}

	return db, nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func OpenAndMigrate(ctx context.Context, path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// RawDB returns the underlying connection pool.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		appLog.Error("wal checkpoint failed", err, "path", db.path)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// Migrate applies embedded migrations in filename order, once each.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var exists bool
		err := db.conn.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := db.conn.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES (?)", name,
		); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		appLog.Info("applied migration", "version", name)
	}

	return nil
}

func (db *DB) Events() *EventStore                 { return db.events }
func (db *DB) Busytimes() *BusytimeStore           { return db.busytimes }
func (db *DB) Alarms() *AlarmStore                 { return db.alarms }
func (db *DB) IcalComponents() *IcalComponentStore { return db.icalComponents }
func (db *DB) Accounts() *AccountStore             { return db.accounts }
func (db *DB) Calendars() *CalendarStore           { return db.calendars }
func (db *DB) Settings() *SettingStore             { return db.settings }

// Store looks a store up by name.
func (db *DB) Store(name string) (any, error) {
	switch name {
	case StoreEvents:
		return db.events, nil
	case StoreBusytimes:
		return db.busytimes, nil
	case StoreAlarms:
		return db.alarms, nil
	case StoreIcalComponents:
		return db.icalComponents, nil
	case StoreAccounts:
		return db.accounts, nil
	case StoreCalendars:
		return db.calendars, nil
	case StoreSettings:
		return db.settings, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
}

func tableFor(name string) string {
	switch name {
	case StoreIcalComponents:
		return "ical_components"
	default:
		return name
	}
}
