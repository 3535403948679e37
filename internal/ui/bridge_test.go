package ui

import (
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	b := NewBridge()
	port, err := b.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b, fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
}

func dialShell(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitMessage polls NextMessage until something arrives.
func waitMessage(t *testing.T, b *Bridge, timeout time.Duration) (AppMessage, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msg, ok := b.NextMessage(); ok {
			return msg, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return AppMessage{}, false
}

func TestShellToApp(t *testing.T) {
	b, url := startBridge(t)
	shell := dialShell(t, url)

	err := shell.WriteJSON(map[string]any{
		"type": "connect",
		"data": map[string]any{
			"name":       "Bob",
			"method":     "punch",
			"session_id": "sess-1",
		},
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg, ok := waitMessage(t, b, 2*time.Second)
	if !ok {
		t.Fatal("message never arrived")
	}
	if msg.Kind != MsgStartClient || msg.Name != "Bob" ||
		msg.Method != MethodHolePunch || msg.SessionID != "sess-1" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestAppToShell(t *testing.T) {
	b, url := startBridge(t)
	shell := dialShell(t, url)

	// The bridge registers the shell asynchronously; wait for it by
	// sending a startup message first.
	if err := shell.WriteJSON(map[string]any{"type": "startup"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, ok := waitMessage(t, b, 2*time.Second); !ok {
		t.Fatal("shell never registered")
	}

	b.Invoke(InvokeSetIP, map[string]string{"ip": "203.0.113.7:4000"})

	shell.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := shell.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if env.Type != InvokeSetIP {
		t.Errorf("type = %q", env.Type)
	}
	if string(env.Data) != `{"ip":"203.0.113.7:4000"}` {
		t.Errorf("data = %s", env.Data)
	}
}

// TestSecondShellRefused verifies the single-client rule.
func TestSecondShellRefused(t *testing.T) {
	b, url := startBridge(t)
	first := dialShell(t, url)

	if err := first.WriteJSON(map[string]any{"type": "startup"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, ok := waitMessage(t, b, 2*time.Second); !ok {
		t.Fatal("first shell never registered")
	}

	second := dialShell(t, url)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("second shell was not refused")
	}
}

// TestMalformedMessageIgnored verifies junk from the shell never kills the
// bridge.
func TestMalformedMessageIgnored(t *testing.T) {
	b, url := startBridge(t)
	shell := dialShell(t, url)

	if err := shell.WriteMessage(websocket.TextMessage, []byte(`{"type": "connect", "data": 42}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := shell.WriteJSON(map[string]any{"type": "disconnect"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg, ok := waitMessage(t, b, 2*time.Second)
	if !ok {
		t.Fatal("bridge stopped delivering after junk")
	}
	if msg.Kind != MsgDisconnect {
		t.Errorf("kind = %q, want disconnect", msg.Kind)
	}
}
