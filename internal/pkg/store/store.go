package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/teeline/smarthome-washer/internal/pkg/devices"
)

/*
 *   The persisted key-path store backing the token registry and the
 *   per-user device registry.  A single sqlite file holds users, the
 *   device catalog, user devices (with their state documents) and
 *   tokens.
 */

// DB wraps the sqlite connection with application-specific methods
type DB struct {
	*sql.DB
	path string

	mu        sync.RWMutex
	observers []StateWriteObserver
}

// StateWriteEvent describes a durable write to a user device's state
type StateWriteEvent struct {
	UserDeviceID string
	UserID       string
	DeviceID     string
	State        devices.State
}

// StateWriteObserver is notified after every user-device state write.
// The write is already durable when the observer runs; whatever the
// observer does cannot roll it back.
type StateWriteObserver func(ev StateWriteEvent)

// Open opens or creates the store at the given path.  ":memory:" gives
// a private in-memory store, used by tests.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "creating store directory")
		}
		dsn = fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}

	// Every pooled connection to :memory: is a distinct empty database,
	// so the in-memory store must never grow past one connection
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "connecting to store")
	}

	db := &DB{
		DB:   sqlDB,
		path: path,
	}

	if err := db.applySchema(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the path of the store file
func (db *DB) Path() string {
	return db.path
}

// Close closes the store
func (db *DB) Close() error {
	return db.DB.Close()
}

// OnStateWrite registers an observer for user-device state writes
func (db *DB) OnStateWrite(fn StateWriteObserver) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.observers = append(db.observers, fn)
}

func (db *DB) notifyStateWrite(ev StateWriteEvent) {
	db.mu.RLock()
	observers := make([]StateWriteObserver, len(db.observers))
	copy(observers, db.observers)
	db.mu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Tx executes fn within a transaction, rolling back if it errors
func (db *DB) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v; original error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}

	return nil
}
