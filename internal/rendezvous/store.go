package rendezvous

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// sessionMaxAge is how long a registered session stays joinable without the
// host re-registering.
const sessionMaxAge = time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	host_addr  TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store persists registered sessions so a rendezvous restart does not strand
// hosts that already handed their session id to friends.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed initializes) the session database. Use
// ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session store: %w", err)
	}
	return &Store{db: db}, nil
}

// Create registers a session under the host's public address. Re-creating an
// existing id moves it to the new host.
func (s *Store) Create(id, hostAddr string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, host_addr, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET host_addr = excluded.host_addr, created_at = excluded.created_at`,
		id, hostAddr, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// Lookup resolves a session id to its host's public address.
func (s *Store) Lookup(id string) (string, error) {
	var hostAddr string
	var createdAt int64
	err := s.db.QueryRow(
		`SELECT host_addr, created_at FROM sessions WHERE id = ?`, id).
		Scan(&hostAddr, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup session %s: %w", id, err)
	}
	if time.Since(time.Unix(createdAt, 0)) > sessionMaxAge {
		return "", ErrSessionNotFound
	}
	return hostAddr, nil
}

// Delete forgets a session.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// PurgeExpired removes sessions older than the max age and returns how many
// were dropped.
func (s *Store) PurgeExpired() (int64, error) {
	cutoff := time.Now().Add(-sessionMaxAge).Unix()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close shuts the database down.
func (s *Store) Close() error {
	return s.db.Close()
}
