package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
)

// Store is the sqlite-backed persistent store.
type Store struct {
	db       *sql.DB
	notifier *Notifier
}

var _ domain.Store = (*Store)(nil)

// Open opens (or creates) the database at dsn, e.g.
// "file:crypto.db?_foreign_keys=1" or ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	s := &Store{db: db, notifier: NewNotifier()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Notifier exposes the store's change notification hub.
func (s *Store) Notifier() domain.Notifier { return s.notifier }

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS account (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			blob TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			identity_key TEXT NOT NULL,
			blob TEXT NOT NULL,
			PRIMARY KEY (user_id, device_id)
		);`,
		`CREATE INDEX IF NOT EXISTS devices_by_identity ON devices (identity_key);`,
		`CREATE TABLE IF NOT EXISTS tracking (
			user_id TEXT PRIMARY KEY,
			status INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cross_signing (
			user_id TEXT PRIMARY KEY,
			blob TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pairwise_sessions (
			peer_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			active INTEGER NOT NULL,
			last_used INTEGER NOT NULL,
			blob TEXT NOT NULL,
			PRIMARY KEY (peer_key, session_id)
		);`,
		`CREATE TABLE IF NOT EXISTS outbound_sessions (
			room_id TEXT PRIMARY KEY,
			blob TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS inbound_sessions (
			session_key TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			backed_up INTEGER NOT NULL DEFAULT 0,
			blob TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS message_indexes (
			session_key TEXT NOT NULL,
			idx INTEGER NOT NULL,
			digest TEXT NOT NULL,
			PRIMARY KEY (session_key, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS gossip_requests (
			request_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			outgoing INTEGER NOT NULL,
			state INTEGER NOT NULL,
			blob TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS withheld (
			room_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			target_user TEXT NOT NULL,
			target_device TEXT NOT NULL,
			blob TEXT NOT NULL,
			PRIMARY KEY (room_id, session_id, target_user, target_device)
		);`,
		`CREATE TABLE IF NOT EXISTS backup_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			blob TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS room_policy (
			room_id TEXT PRIMARY KEY,
			blacklist_unverified INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// corrupt wraps a scan/unmarshal failure as store corruption scoped to one
// entity; callers quarantine the object instead of wedging the engine.
func corrupt(what string, err error) error {
	return errs.Wrap(errs.CodeStoreCorruption, "corrupt "+what, err)
}
