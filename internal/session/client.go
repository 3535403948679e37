package session

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/evharten/skydeck/internal/protocol"
	"github.com/evharten/skydeck/internal/transport"
	"github.com/evharten/skydeck/internal/util"
)

// Client is the joining side of a session: it talks to exactly one remote
// endpoint (a host, or a relay acting as one) once the handshake confirms.
//
// All connection state lives on the worker goroutine. The exported methods
// only touch the queues and the atomics, so they are safe from any
// goroutine.
type Client struct {
	name    string
	version string
	cfg     Config

	stopped   atomic.Bool
	host      atomic.Bool
	sessionID atomic.Value // string

	out chan outbound
	in  chan ReceiveMessage
}

// NewClient prepares a client identity. One of the Start variants must be
// called before the client does anything.
func NewClient(name, version string, cfg Config) *Client {
	return &Client{
		name:    name,
		version: version,
		cfg:     cfg.withDefaults(),
		out:     make(chan outbound, queueSize),
		in:      make(chan ReceiveMessage, queueSize),
	}
}

// Start connects directly to a host at ip:port, no rendezvous involved.
func (c *Client) Start(ip string, port int) error {
	conn, err := transport.Bind(":0", transport.Config{IdleTimeout: c.cfg.ConnTimeout})
	if err != nil {
		return err
	}
	go c.run(conn, clientState{
		peerAddr: net.JoinHostPort(ip, strconv.Itoa(port)),
	})
	return nil
}

// StartWithHolePunch joins the named session through a rendezvous server
// that relays the host's public address back.
func (c *Client) StartWithHolePunch(sessionID, rendezvous string) error {
	conn, err := transport.Bind(":0", transport.Config{IdleTimeout: c.cfg.ConnTimeout})
	if err != nil {
		return err
	}
	c.sessionID.Store(sessionID)
	go c.run(conn, clientState{
		sessionID:  sessionID,
		rendezvous: rendezvous,
	})
	return nil
}

// StartWithRelay connects to a relay server and immediately requests a
// hosted session there. The relay answers with HostingReceived and later
// SetHost; from then on this client acts as the hosting peer with the relay
// fanning traffic out.
func (c *Client) StartWithRelay(relay string) error {
	conn, err := transport.Bind(":0", transport.Config{IdleTimeout: c.cfg.ConnTimeout})
	if err != nil {
		return err
	}
	go c.run(conn, clientState{
		peerAddr:    relay,
		wantHosting: true,
	})
	return nil
}

// clientState is the worker-owned connection state. Nothing outside run and
// its callees may touch it.
type clientState struct {
	sessionID   string
	rendezvous  string // non-empty → hole-punch mode
	peerAddr    string // where traffic goes once known
	wantHosting bool   // relay mode: request a session after connecting

	connected     bool
	retries       int
	lastTry       time.Time
	started       time.Time
	lastHeartbeat time.Time
}

func (c *Client) run(conn *transport.Conn, st clientState) {
	defer conn.Close()
	st.started = time.Now()

	// Hole punching opens by telling the rendezvous server which session
	// we want; everything after that is driven by its AttemptConnection.
	if st.rendezvous != "" {
		c.sendPayload(conn, &protocol.Handshake{SessionID: st.sessionID}, st.rendezvous, transport.ChannelReliable)
	}

	lastMetrics := time.Now()
	for {
		for _, ev := range conn.Poll() {
			switch ev.Kind {
			case transport.EventPacket:
				payload, err := protocol.Decode(ev.Payload)
				if err != nil {
					util.LogDebug("dropping undecodable packet from %s: %v", ev.Addr, err)
					continue
				}
				c.handlePayload(conn, &st, ev.Addr.String(), payload)

			case transport.EventConnectionClosed:
				// The rendezvous server goes quiet by design once it
				// has relayed the peer address.
				if st.rendezvous != "" && ev.Addr.String() == st.rendezvous {
					continue
				}
				c.stopWith("No message received from server.")
			}
		}

		if st.rendezvous != "" && st.peerAddr == "" && !st.connected &&
			time.Since(st.started) >= c.cfg.ConnTimeout {
			c.stopWith("Could not connect to session.")
		}

		c.stepHandshake(conn, &st)
		c.stepHeartbeat(conn, &st)
		c.drainOutbound(conn, &st)

		if time.Since(lastMetrics) >= metricsInterval {
			snap := util.Stats.Snapshot()
			trySend(c.in, ReceiveMessage{Event: &Event{Kind: EventMetrics, Metrics: &snap}})
			lastMetrics = time.Now()
		}

		if c.stopped.Load() {
			return
		}
		time.Sleep(loopSleep)
	}
}

// handlePayload reacts to connection-level messages, then forwards
// everything to the application queue.
func (c *Client) handlePayload(conn *transport.Conn, st *clientState, from string, payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.Handshake:
		if st.connected {
			return
		}
		if p.SessionID != st.sessionID {
			c.stopWith(fmt.Sprintf("Handshake verification failed! Expected %s, got %s",
				st.sessionID, p.SessionID))
			return
		}
		st.connected = true
		st.peerAddr = from
		util.LogInfo("handshake confirmed by %s", from)
		c.sendPayload(conn, &protocol.InitHandshake{Name: c.name, Version: c.version},
			st.peerAddr, transport.ChannelReliable)
		if st.wantHosting {
			c.sendPayload(conn, &protocol.RequestHosting{}, st.peerAddr, transport.ChannelReliable)
		}
		trySend(c.in, ReceiveMessage{Event: &Event{Kind: EventConnectionEstablished}})
		return

	case *protocol.AttemptConnection:
		if st.peerAddr == "" {
			util.LogInfo("punching towards %s", p.Peer)
			st.peerAddr = p.Peer
		}

	case *protocol.HostingReceived:
		c.sessionID.Store(p.SessionID)
		st.sessionID = p.SessionID

	case *protocol.SetHost:
		c.host.Store(true)

	case *protocol.InvalidVersion:
		c.stopWith(fmt.Sprintf("Server has mismatching version %s", p.ServerVersion))
		return

	case *protocol.InvalidName:
		c.stopWith(fmt.Sprintf("%s already in use!", c.name))
		return
	}

	trySend(c.in, ReceiveMessage{Payload: payload})
}

// stepHandshake sends the next handshake attempt when one is due. Punch
// attempts go on the unreliable channel: a silent far side must burn through
// the retry budget here, not trip the transport's resend limit.
func (c *Client) stepHandshake(conn *transport.Conn, st *clientState) {
	if st.connected || st.peerAddr == "" || c.stopped.Load() {
		return
	}
	if !st.lastTry.IsZero() && time.Since(st.lastTry) < c.cfg.RetryInterval {
		return
	}

	ch := transport.ChannelUnreliable
	if st.rendezvous == "" {
		ch = transport.ChannelReliable
	}
	c.sendPayload(conn, &protocol.Handshake{SessionID: st.sessionID}, st.peerAddr, ch)
	st.lastTry = time.Now()
	st.retries++
	util.LogInfo("sent handshake to %s (attempt %d)", st.peerAddr, st.retries)

	if st.retries >= c.cfg.MaxPunchRetries {
		trySend(c.in, ReceiveMessage{Event: &Event{Kind: EventUnablePunchthrough}})
		c.stopped.Store(true)
	}
}

// stepHeartbeat keeps the NAT mapping towards the host warm even when the
// application has nothing to send.
func (c *Client) stepHeartbeat(conn *transport.Conn, st *clientState) {
	if !st.connected || time.Since(st.lastHeartbeat) < heartbeatInterval {
		return
	}
	st.lastHeartbeat = time.Now()
	c.sendPayload(conn, &protocol.Heartbeat{}, st.peerAddr, transport.ChannelUnreliable)
}

// drainOutbound flushes queued application payloads. Before the peer address
// is known there is nowhere to send, so queued messages are dropped.
func (c *Client) drainOutbound(conn *transport.Conn, st *clientState) {
	for {
		select {
		case ob := <-c.out:
			if st.peerAddr == "" {
				continue
			}
			ch := transport.ChannelReliable
			if u, ok := ob.payload.(*protocol.Update); ok && u.IsUnreliable {
				ch = transport.ChannelUnreliable
			}
			c.sendPayload(conn, ob.payload, st.peerAddr, ch)
		default:
			return
		}
	}
}

func (c *Client) sendPayload(conn *transport.Conn, p protocol.Payload, dst string, ch transport.Channel) {
	data, err := protocol.Encode(p)
	if err != nil {
		util.LogError("encode failed: %v", err)
		return
	}
	if err := conn.Send(data, dst, ch); err != nil {
		util.LogDebug("send to %s failed: %v", dst, err)
	}
}

// stopWith emits ConnectionLost once and flips the stop flag; later calls
// are no-ops because the flag never clears.
func (c *Client) stopWith(reason string) {
	if c.stopped.Swap(true) {
		return
	}
	trySend(c.in, ReceiveMessage{Event: &Event{Kind: EventConnectionLost, Reason: reason}})
}

func (c *Client) enqueue(p protocol.Payload) {
	select {
	case c.out <- outbound{payload: p}:
	default:
		util.LogWarning("outbound queue full, dropping %T", p)
	}
}

// Update ships a state blob to the host.
func (c *Client) Update(data []byte, unreliable bool) {
	c.enqueue(&protocol.Update{Data: data, From: c.name, IsUnreliable: unreliable, Time: now()})
}

// TransferControl hands control to the named peer.
func (c *Client) TransferControl(to string) {
	c.enqueue(&protocol.TransferControl{From: c.name, To: to})
}

// TakeControl requests control from the peer that currently holds it.
func (c *Client) TakeControl(from string) {
	c.enqueue(&protocol.TransferControl{From: from, To: c.name})
}

// SetObserver toggles the observer flag of the named peer.
func (c *Client) SetObserver(to string, observer bool) {
	c.enqueue(&protocol.SetObserver{From: c.name, To: to, IsObserver: observer})
}

// SendReady announces the initial delay is over.
func (c *Client) SendReady() {
	c.enqueue(&protocol.Ready{})
}

// SendDefinitions ships the aircraft-definition blob. Only meaningful when
// this client was promoted to host by a relay.
func (c *Client) SendDefinitions(blob []byte, to string) {
	c.enqueue(&protocol.AircraftDefinition{Bytes: blob})
}

// IsHost reports whether a relay promoted this client to hosting peer.
func (c *Client) IsHost() bool { return c.host.Load() }

// SessionID returns the joined (or relay-granted) session id.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// ConnectedCount is always 1 for a client: the host.
func (c *Client) ConnectedCount() int { return 1 }

// Name returns the identity this client joined with.
func (c *Client) Name() string { return c.name }

// Messages returns the inbound queue.
func (c *Client) Messages() <-chan ReceiveMessage { return c.in }

// Stop terminates the session with the given reason.
func (c *Client) Stop(reason string) {
	c.stopWith(reason)
}
