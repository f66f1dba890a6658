// Package sqlitestore is a SQLite-backed implementation of the message
// store. Messages persist as JSON payloads keyed by ref, with the lifecycle
// state mirrored into a column for scoped lookups.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/stacknerd/msghub/internal/hostapi"
	"github.com/stacknerd/msghub/internal/message"
)

// ErrDuplicateRef means AddMessage hit a ref that already exists.
var ErrDuplicateRef = errors.New("sqlitestore: ref already exists")

// Store implements hostapi.Store on a single SQLite database. Writes are
// serialized by a mutex; the engine performs read-modify-write in narrow
// patches, so the mutex also covers the read-back.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// openDB opens a SQLite database with WAL and a single connection.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// GetMessageByRef returns the message at ref, or nil when absent or out of
// scope.
func (s *Store) GetMessageByRef(ref string, scope hostapi.ReadScope) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ref, scope)
}

func (s *Store) getLocked(ref string, scope hostapi.ReadScope) (*message.Message, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload_json FROM messages WHERE ref = ?`, ref,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read %s: %w", ref, err)
	}

	var m message.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode %s: %w", ref, err)
	}
	if scope == hostapi.ScopeQuasiOpen && !m.QuasiOpen() {
		return nil, nil
	}
	return &m, nil
}

// AddMessage inserts a new message. A quasi-open message already at ref is a
// conflict; a terminal one is replaced.
func (s *Store) AddMessage(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(msg.Ref, hostapi.ScopeAll)
	if err != nil {
		return err
	}
	if existing != nil && existing.QuasiOpen() {
		return fmt.Errorf("%w: %s", ErrDuplicateRef, msg.Ref)
	}
	return s.putLocked(msg)
}

func (s *Store) putLocked(m *message.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode %s: %w", m.Ref, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (ref, payload_json, lifecycle_state, state_changed_at, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			payload_json = excluded.payload_json,
			lifecycle_state = excluded.lifecycle_state,
			state_changed_at = excluded.state_changed_at,
			updated_at_ms = excluded.updated_at_ms`,
		m.Ref, string(payload), m.Lifecycle.State, m.Lifecycle.StateChangedAt,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: write %s: %w", m.Ref, err)
	}
	return nil
}

// UpdateMessage applies a narrow patch to the message at ref. Returns false
// when the message is absent or the patch is empty.
func (s *Store) UpdateMessage(ref string, patch message.Patch) (bool, error) {
	if patch.Empty() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getLocked(ref, hostapi.ScopeAll)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	patch.Apply(m)
	if err := s.putLocked(m); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteAfterCauseEliminated closes the message at ref, recording the
// completing actor. Already-terminal messages are left alone.
func (s *Store) CompleteAfterCauseEliminated(ref string, actor string, finishedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getLocked(ref, hostapi.ScopeAll)
	if err != nil {
		return err
	}
	if m == nil || !m.QuasiOpen() {
		return nil
	}
	m.Lifecycle.State = message.StateClosed
	m.Lifecycle.StateChangedBy = actor
	m.Lifecycle.StateChangedAt = finishedAt
	if m.Timing.EndAt == 0 {
		m.Timing.EndAt = finishedAt
	}
	return s.putLocked(m)
}

// RemoveMessage deletes the message at ref outright. Absent refs are a no-op.
func (s *Store) RemoveMessage(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM messages WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("sqlitestore: delete %s: %w", ref, err)
	}
	return nil
}

// CountByState returns how many messages sit in each lifecycle state, for
// status reporting.
func (s *Store) CountByState() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT lifecycle_state, COUNT(*) FROM messages GROUP BY lifecycle_state`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: count: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}
