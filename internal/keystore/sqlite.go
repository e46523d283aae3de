package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// sqlitePollInterval is how often the store checks for writes made by
// other processes sharing the same database file.
const sqlitePollInterval = 500 * time.Millisecond

// SQLite is a Store backed by a SQLite database file. Values written by one
// process are observed by subscribers in another process sharing the file,
// which is how the browser "storage event across tabs" behavior is modeled.
type SQLite struct {
	db *sql.DB

	mu       sync.Mutex
	snapshot map[string]string
	subs     map[int]chan Change
	nextSub  int
	closed   bool

	stopPoll chan struct{}
	pollDone chan struct{}
}

// NewSQLite opens (creating if needed) a SQLite-backed store at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}

	// WAL mode so a reader in another process never blocks our writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping keystore: %w", err)
	}

	s := &SQLite{
		db:       db,
		snapshot: make(map[string]string),
		subs:     make(map[int]chan Change),
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize keystore schema: %w", err)
	}
	if err := s.reloadSnapshot(context.Background()); err != nil {
		return nil, fmt.Errorf("load keystore snapshot: %w", err)
	}

	go s.pollExternalChanges()
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read key %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key and notifies subscribers.
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}

	s.mu.Lock()
	s.snapshot[key] = value
	s.notifyLocked(Change{Key: key, Value: value, Present: true})
	s.mu.Unlock()
	return nil
}

// Delete removes key and notifies subscribers.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	affected, _ := res.RowsAffected()

	s.mu.Lock()
	delete(s.snapshot, key)
	if affected > 0 {
		s.notifyLocked(Change{Key: key})
	}
	s.mu.Unlock()
	return nil
}

// Subscribe returns a change channel and its cancel function.
func (s *SQLite) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, 16)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close stops the change poller, closes subscriptions and the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	close(s.stopPoll)
	<-s.pollDone
	return s.db.Close()
}

// pollExternalChanges watches PRAGMA data_version for writes made through a
// different connection (another process) and diffs the table against the
// in-memory snapshot when it moves.
func (s *SQLite) pollExternalChanges() {
	defer close(s.pollDone)

	var lastVersion int64
	_ = s.db.QueryRow(`PRAGMA data_version`).Scan(&lastVersion)

	ticker := time.NewTicker(sqlitePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPoll:
			return
		case <-ticker.C:
		}

		var version int64
		if err := s.db.QueryRow(`PRAGMA data_version`).Scan(&version); err != nil {
			continue
		}
		if version == lastVersion {
			continue
		}
		lastVersion = version
		_ = s.reloadSnapshot(context.Background())
	}
}

// reloadSnapshot re-reads the whole table and emits a Change for every key
// that differs from the snapshot.
func (s *SQLite) reloadSnapshot(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return fmt.Errorf("scan kv table: %w", err)
	}
	defer rows.Close()

	current := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan kv row: %w", err)
		}
		current[key] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate kv rows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range current {
		if prev, ok := s.snapshot[key]; !ok || prev != value {
			s.notifyLocked(Change{Key: key, Value: value, Present: true})
		}
	}
	for key := range s.snapshot {
		if _, ok := current[key]; !ok {
			s.notifyLocked(Change{Key: key})
		}
	}
	s.snapshot = current
	return nil
}

func (s *SQLite) notifyLocked(ch Change) {
	for _, sub := range s.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}
