package rendezvous

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateLookup(t *testing.T) {
	s := openTestStore(t)

	if err := s.Create("sess-1", "203.0.113.7:4000"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	addr, err := s.Lookup("sess-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if addr != "203.0.113.7:4000" {
		t.Errorf("addr = %q", addr)
	}

	if _, err := s.Lookup("no-such"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown id: err = %v, want ErrSessionNotFound", err)
	}
}

// TestCreateMovesSession verifies re-registering an id points it at the new
// host.
func TestCreateMovesSession(t *testing.T) {
	s := openTestStore(t)

	if err := s.Create("sess-1", "203.0.113.7:4000"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create("sess-1", "198.51.100.2:5000"); err != nil {
		t.Fatalf("re-Create failed: %v", err)
	}
	addr, err := s.Lookup("sess-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if addr != "198.51.100.2:5000" {
		t.Errorf("addr = %q, want the new host", addr)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Create("sess-1", "203.0.113.7:4000"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Delete("sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Lookup("sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("deleted id: err = %v, want ErrSessionNotFound", err)
	}
}

// TestExpiry backdates a session past the max age and checks it is neither
// joinable nor kept by the purge.
func TestExpiry(t *testing.T) {
	s := openTestStore(t)

	if err := s.Create("old", "203.0.113.7:4000"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create("fresh", "203.0.113.8:4000"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale := time.Now().Add(-2 * sessionMaxAge).Unix()
	if _, err := s.db.Exec(`UPDATE sessions SET created_at = ? WHERE id = ?`, stale, "old"); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	if _, err := s.Lookup("old"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired id: err = %v, want ErrSessionNotFound", err)
	}

	n, err := s.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d sessions, want 1", n)
	}
	if _, err := s.Lookup("fresh"); err != nil {
		t.Errorf("fresh session lost: %v", err)
	}
}
