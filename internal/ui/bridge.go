// Package ui bridges the app loop to the shell (browser or embedded
// webview) over a local WebSocket. Outbound invokes and inbound app
// messages both use the {"type": ..., "data": ...} envelope.
package ui

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/evharten/skydeck/internal/config"
	"github.com/evharten/skydeck/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Outbound invoke types the shell understands.
const (
	InvokeConnected      = "connected"
	InvokeDisconnected   = "disconnected"
	InvokeAttempt        = "attempt"
	InvokeControl        = "control"
	InvokeLostControl    = "lostcontrol"
	InvokeSetInControl   = "set_incontrol"
	InvokeObserving      = "observing"
	InvokeSetObserving   = "set_observing"
	InvokeNewConnection  = "newconnection"
	InvokeLostConnection = "lostconnection"
	InvokeServer         = "server"
	InvokeServerFail     = "server_fail"
	InvokeClientFail     = "client_fail"
	InvokeError          = "error"
	InvokeSetIP          = "set_ip"
	InvokeSetPort        = "set_port"
	InvokeAddAircraft    = "add_aircraft"
	InvokeVersion        = "version"
	InvokeNetwork        = "network"
)

// AppMessageKind discriminates inbound shell messages.
type AppMessageKind string

const (
	MsgStartClient      AppMessageKind = "connect"
	MsgStartServer      AppMessageKind = "server"
	MsgDisconnect       AppMessageKind = "disconnect"
	MsgTransferControl  AppMessageKind = "transfer_control"
	MsgSetObserver      AppMessageKind = "set_observer"
	MsgLoadAircraft     AppMessageKind = "load_aircraft"
	MsgStartup          AppMessageKind = "startup"
	MsgUpdateConfig     AppMessageKind = "update_config"
	MsgForceTakeControl AppMessageKind = "force_take_control"
)

// ConnectionMethod selects how a session is established.
type ConnectionMethod string

const (
	MethodDirect    ConnectionMethod = "direct"
	MethodHolePunch ConnectionMethod = "punch"
	MethodRelay     ConnectionMethod = "relay"
)

// AppMessage is one parsed shell request. Which fields are meaningful
// depends on Kind.
type AppMessage struct {
	Kind AppMessageKind

	Name      string           `json:"name,omitempty"`
	Method    ConnectionMethod `json:"method,omitempty"`
	IP        string           `json:"ip,omitempty"`
	Port      int              `json:"port,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Target    string           `json:"target,omitempty"`
	Observer  bool             `json:"observer,omitempty"`
	Aircraft  string           `json:"aircraft,omitempty"`
	Config    *config.Config   `json:"config,omitempty"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Bridge is the WebSocket endpoint the shell talks to. One shell at a time;
// a second connection is refused like the first never happened.
type Bridge struct {
	listener net.Listener
	messages chan AppMessage

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBridge prepares an unstarted bridge.
func NewBridge() *Bridge {
	return &Bridge{messages: make(chan AppMessage, 64)}
}

// Start listens on the given local address (use "127.0.0.1:0" for an
// ephemeral port) and returns the bound port.
func (b *Bridge) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("start ui bridge: %w", err)
	}
	b.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}
	b.conn = conn
	b.mu.Unlock()

	go b.readLoop(conn)
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		msg := AppMessage{Kind: AppMessageKind(env.Type)}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				util.LogWarning("bad app message %q: %v", env.Type, err)
				continue
			}
		}
		select {
		case b.messages <- msg:
		default:
			util.LogWarning("app message queue full, dropping %q", env.Type)
		}
	}
}

// Invoke pushes one typed payload to the shell. With no shell connected the
// invoke is dropped; the shell re-syncs on startup.
func (b *Bridge) Invoke(kind string, data any) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			util.LogError("encode invoke %q: %v", kind, err)
			return
		}
		raw = encoded
	}
	if err := conn.WriteJSON(envelope{Type: kind, Data: raw}); err != nil {
		util.LogDebug("invoke %q failed: %v", kind, err)
	}
}

// NextMessage returns the next queued shell request, non-blocking.
func (b *Bridge) NextMessage() (AppMessage, bool) {
	select {
	case msg := <-b.messages:
		return msg, true
	default:
		return AppMessage{}, false
	}
}

// Close drops the shell connection and stops accepting new ones.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	if b.listener != nil {
		b.listener.Close()
	}
}
