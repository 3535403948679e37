// Package session implements the transfer layer: the per-connection worker
// that drives the handshake state machine over the datagram transport and
// multiplexes application traffic to one peer (Client) or a set of peers
// (Server).
//
// Both implementations follow the same shape: one worker goroutine owns all
// connection state and talks to the application loop only through a pair of
// message queues and a monotonic stop flag.
package session

import (
	"time"

	"github.com/evharten/skydeck/internal/protocol"
	"github.com/evharten/skydeck/internal/util"
)

// Timing and queue constants.
const (
	defaultRetryInterval   = time.Second      // handshake attempt cadence
	defaultMaxPunchRetries = 10               // handshake attempts before giving up
	defaultConnTimeout     = 10 * time.Second // rendezvous wait bound

	loopSleep         = 10 * time.Millisecond
	heartbeatInterval = 500 * time.Millisecond
	metricsInterval   = time.Second
	queueSize         = 128
)

// Config tunes a session. Zero values fall back to the defaults above; tests
// shrink the intervals, the application uses them as-is except ConnTimeout,
// which comes from the user configuration.
type Config struct {
	ConnTimeout     time.Duration
	RetryInterval   time.Duration
	MaxPunchRetries int
}

func (c Config) withDefaults() Config {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = defaultConnTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.MaxPunchRetries <= 0 {
		c.MaxPunchRetries = defaultMaxPunchRetries
	}
	return c
}

// EventKind discriminates session lifecycle events.
type EventKind uint8

const (
	// EventConnectionEstablished fires once when the handshake confirms.
	EventConnectionEstablished EventKind = iota + 1
	// EventConnectionLost is the generic terminal event; Reason is
	// human-readable.
	EventConnectionLost
	// EventUnablePunchthrough is the terminal event for exhausted
	// hole-punch retries, kept distinct so the UI can suggest port
	// forwarding instead of a generic failure.
	EventUnablePunchthrough
	// EventSessionIDFetchFailed means the rendezvous server never answered
	// a hosting request.
	EventSessionIDFetchFailed
	// EventMetrics carries a periodic traffic snapshot.
	EventMetrics
)

// Event is a session lifecycle notification.
type Event struct {
	Kind    EventKind
	Reason  string
	Metrics *util.NetMetrics
}

// ReceiveMessage is one entry on the inbound queue: either a decoded wire
// payload or a session event, never both.
type ReceiveMessage struct {
	Payload protocol.Payload
	Event   *Event
}

// TransferClient is the uniform contract both Client and Server expose to
// the application loop. Every call is non-blocking; results are observed
// asynchronously on Messages.
type TransferClient interface {
	// Update enqueues a simulator-state blob for the peer(s), on the
	// unreliable channel when unreliable is true.
	Update(data []byte, unreliable bool)
	// TransferControl hands control to the named peer.
	TransferControl(to string)
	// TakeControl requests control from the peer currently holding it.
	TakeControl(from string)
	// SetObserver toggles the observer flag of the named peer.
	SetObserver(to string, observer bool)
	// SendReady announces this endpoint finished its initial delay.
	SendReady()
	// SendDefinitions ships the aircraft-definition blob to the named
	// peer. Only meaningful on the hosting side.
	SendDefinitions(blob []byte, to string)

	IsHost() bool
	SessionID() string
	ConnectedCount() int
	Name() string

	// Messages is the inbound queue the application drains every tick.
	Messages() <-chan ReceiveMessage
	// Stop requests termination with a reason shown to the user.
	Stop(reason string)
}

// outbound is one queued application payload. A non-empty target restricts
// delivery to that peer (server only); clients ignore it.
type outbound struct {
	payload protocol.Payload
	to      string
}

// trySend drops the message when the queue is full rather than blocking the
// caller. The transfer layer never stalls the application loop.
func trySend(q chan ReceiveMessage, msg ReceiveMessage) {
	select {
	case q <- msg:
	default:
		util.LogWarning("inbound queue full, dropping message")
	}
}

// now returns wall-clock seconds for Update timestamps.
func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
