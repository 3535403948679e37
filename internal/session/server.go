package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/evharten/skydeck/internal/protocol"
	"github.com/evharten/skydeck/internal/transport"
	"github.com/evharten/skydeck/internal/util"
)

// Server is the hosting side of a session: it accepts joiners, validates
// their identity, keeps the roster, and fans application traffic out to
// every connected peer.
type Server struct {
	name    string
	version string
	cfg     Config

	stopped   atomic.Bool
	sessionID atomic.Value // string
	addr      atomic.Value // string
	peerCount atomic.Int32

	out chan outbound
	in  chan ReceiveMessage
}

// NewServer prepares a hosting identity. One of the Start variants must be
// called before the server does anything.
func NewServer(name, version string, cfg Config) *Server {
	return &Server{
		name:    name,
		version: version,
		cfg:     cfg.withDefaults(),
		out:     make(chan outbound, queueSize),
		in:      make(chan ReceiveMessage, queueSize),
	}
}

// Start hosts on a fixed local port for direct connections. Joiners need the
// public address and a forwarded port; no rendezvous is involved.
func (s *Server) Start(port int) error {
	conn, err := transport.Bind(fmt.Sprintf(":%d", port), transport.Config{IdleTimeout: s.cfg.ConnTimeout})
	if err != nil {
		return err
	}
	s.addr.Store(conn.LocalAddr())
	util.LogInfo("hosting on %s", conn.LocalAddr())
	trySend(s.in, ReceiveMessage{Event: &Event{Kind: EventConnectionEstablished}})
	go s.run(conn, serverState{
		inControl: s.name,
		peers:     make(map[string]*serverPeer),
		byAddr:    make(map[string]string),
		punching:  make(map[string]*punchAttempt),
	})
	return nil
}

// StartWithHolePunch hosts through a rendezvous server: it requests a
// session id and then punches towards each joiner the rendezvous announces.
func (s *Server) StartWithHolePunch(rendezvous string) error {
	conn, err := transport.Bind(":0", transport.Config{IdleTimeout: s.cfg.ConnTimeout})
	if err != nil {
		return err
	}
	s.addr.Store(conn.LocalAddr())
	go s.run(conn, serverState{
		inControl:  s.name,
		rendezvous: rendezvous,
		peers:      make(map[string]*serverPeer),
		byAddr:     make(map[string]string),
		punching:   make(map[string]*punchAttempt),
	})
	return nil
}

// serverPeer is one accepted joiner.
type serverPeer struct {
	name     string
	addr     string
	observer bool
}

// punchAttempt tracks an in-progress hole punch towards a joiner address.
type punchAttempt struct {
	retries int
	lastTry time.Time
}

// serverState is the worker-owned hosting state.
type serverState struct {
	sessionID  string
	rendezvous string // non-empty → hole-punch mode
	inControl  string

	peers    map[string]*serverPeer   // by name
	byAddr   map[string]string        // addr to name
	punching map[string]*punchAttempt // by addr

	started       time.Time
	hosted        bool // HostingReceived arrived (hole-punch mode)
	lastHeartbeat time.Time
}

func (s *Server) run(conn *transport.Conn, st serverState) {
	defer conn.Close()
	st.started = time.Now()

	if st.rendezvous != "" {
		s.sendPayload(conn, &protocol.RequestHosting{}, st.rendezvous, transport.ChannelReliable)
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
				s.handlePayload(conn, &st, ev.Addr.String(), payload)

			case transport.EventConnectionClosed:
				s.handleClosed(conn, &st, ev.Addr.String())
			}
		}

		if st.rendezvous != "" && !st.hosted &&
			time.Since(st.started) >= s.cfg.ConnTimeout {
			if s.stopped.Swap(true) {
				return
			}
			trySend(s.in, ReceiveMessage{Event: &Event{Kind: EventSessionIDFetchFailed}})
			return
		}

		s.stepPunches(conn, &st)
		s.stepHeartbeat(conn, &st)
		s.drainOutbound(conn, &st)

		if time.Since(lastMetrics) >= metricsInterval {
			snap := util.Stats.Snapshot()
			trySend(s.in, ReceiveMessage{Event: &Event{Kind: EventMetrics, Metrics: &snap}})
			lastMetrics = time.Now()
		}

		if s.stopped.Load() {
			return
		}
		time.Sleep(loopSleep)
	}
}

func (s *Server) handlePayload(conn *transport.Conn, st *serverState, from string, payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.Handshake:
		if _, known := st.byAddr[from]; known {
			return
		}
		if p.SessionID != st.sessionID {
			util.LogWarning("handshake from %s with wrong session id %q", from, p.SessionID)
			return
		}
		// Confirm; the joiner introduces itself with InitHandshake next.
		s.sendPayload(conn, &protocol.Handshake{SessionID: st.sessionID}, from, transport.ChannelReliable)
		delete(st.punching, from)
		return

	case *protocol.InitHandshake:
		s.admit(conn, st, from, p)
		return

	case *protocol.HostingReceived:
		st.sessionID = p.SessionID
		st.hosted = true
		s.sessionID.Store(p.SessionID)
		util.LogSuccess("session registered: %s", p.SessionID)
		trySend(s.in, ReceiveMessage{Event: &Event{Kind: EventConnectionEstablished}})

	case *protocol.AttemptConnection:
		if _, ok := st.punching[p.Peer]; !ok {
			util.LogInfo("punching towards joiner %s", p.Peer)
			st.punching[p.Peer] = &punchAttempt{}
		}

	case *protocol.Update:
		s.relayExcept(conn, st, payload, st.byAddr[from])

	case *protocol.TransferControl:
		st.inControl = p.To
		s.relayExcept(conn, st, payload, "")

	case *protocol.SetObserver:
		if peer, ok := st.peers[p.To]; ok {
			peer.observer = p.IsObserver
		}
		s.relayExcept(conn, st, payload, "")

	case *protocol.Ready:
		s.relayExcept(conn, st, payload, st.byAddr[from])
	}

	trySend(s.in, ReceiveMessage{Payload: payload})
}

// admit validates a joiner's identity and, on success, adds it to the roster
// and announces it everywhere.
func (s *Server) admit(conn *transport.Conn, st *serverState, from string, init *protocol.InitHandshake) {
	if name, known := st.byAddr[from]; known {
		// Duplicate introduction from an accepted peer; just re-ack.
		if name == init.Name {
			s.sendPayload(conn, &protocol.PeerEstablished{}, from, transport.ChannelReliable)
		}
		return
	}
	if !versionsCompatible(s.version, init.Version) {
		util.LogWarning("rejecting %s: version %s incompatible with %s", init.Name, init.Version, s.version)
		s.sendPayload(conn, &protocol.InvalidVersion{ServerVersion: s.version}, from, transport.ChannelReliable)
		return
	}
	_, taken := st.peers[init.Name]
	if taken || init.Name == s.name {
		util.LogWarning("rejecting joiner from %s: name %q already in use", from, init.Name)
		s.sendPayload(conn, &protocol.InvalidName{}, from, transport.ChannelReliable)
		return
	}

	st.peers[init.Name] = &serverPeer{name: init.Name, addr: from}
	st.byAddr[from] = init.Name
	s.peerCount.Store(int32(len(st.peers)))
	util.LogSuccess("%s joined from %s", init.Name, from)

	s.sendPayload(conn, &protocol.PeerEstablished{}, from, transport.ChannelReliable)

	// Current roster for the newcomer: the host first, then everyone else.
	s.sendPayload(conn, &protocol.PlayerJoined{
		Name:      s.name,
		InControl: st.inControl == s.name,
		IsServer:  true,
	}, from, transport.ChannelReliable)
	for _, peer := range st.peers {
		if peer.name == init.Name {
			continue
		}
		s.sendPayload(conn, &protocol.PlayerJoined{
			Name:       peer.name,
			InControl:  st.inControl == peer.name,
			IsObserver: peer.observer,
		}, from, transport.ChannelReliable)
	}

	// The newcomer itself, for everyone including our own roster.
	joined := &protocol.PlayerJoined{Name: init.Name}
	s.relayExcept(conn, st, joined, init.Name)
	trySend(s.in, ReceiveMessage{Payload: joined})
}

// handleClosed reacts to the transport giving up on an address.
func (s *Server) handleClosed(conn *transport.Conn, st *serverState, addr string) {
	if st.rendezvous != "" && addr == st.rendezvous {
		return
	}
	if _, ok := st.punching[addr]; ok {
		delete(st.punching, addr)
		return
	}
	name, ok := st.byAddr[addr]
	if !ok {
		return
	}
	delete(st.byAddr, addr)
	delete(st.peers, name)
	s.peerCount.Store(int32(len(st.peers)))
	util.LogInfo("%s disconnected", name)

	left := &protocol.PlayerLeft{Name: name}
	s.relayExcept(conn, st, left, "")
	trySend(s.in, ReceiveMessage{Payload: left})
}

// stepPunches advances every in-progress hole punch at the retry cadence.
// Punch handshakes are unreliable: most of them die at a closed NAT, which
// is expected, not an error.
func (s *Server) stepPunches(conn *transport.Conn, st *serverState) {
	for addr, attempt := range st.punching {
		if !attempt.lastTry.IsZero() && time.Since(attempt.lastTry) < s.cfg.RetryInterval {
			continue
		}
		if attempt.retries >= s.cfg.MaxPunchRetries {
			util.LogWarning("giving up punching towards %s", addr)
			delete(st.punching, addr)
			continue
		}
		s.sendPayload(conn, &protocol.Handshake{SessionID: st.sessionID}, addr, transport.ChannelUnreliable)
		attempt.lastTry = time.Now()
		attempt.retries++
	}
}

// stepHeartbeat keeps NAT mappings warm on every accepted connection.
func (s *Server) stepHeartbeat(conn *transport.Conn, st *serverState) {
	if len(st.peers) == 0 || time.Since(st.lastHeartbeat) < heartbeatInterval {
		return
	}
	st.lastHeartbeat = time.Now()
	for _, peer := range st.peers {
		s.sendPayload(conn, &protocol.Heartbeat{}, peer.addr, transport.ChannelUnreliable)
	}
}

// drainOutbound flushes payloads queued by the application.
func (s *Server) drainOutbound(conn *transport.Conn, st *serverState) {
	for {
		select {
		case ob := <-s.out:
			switch p := ob.payload.(type) {
			case *protocol.AircraftDefinition:
				if peer, ok := st.peers[ob.to]; ok {
					s.sendPayload(conn, p, peer.addr, transport.ChannelReliable)
				}
			case *protocol.TransferControl:
				st.inControl = p.To
				s.relayExcept(conn, st, p, "")
				// Loopback so our own application converges through the
				// same message it broadcast.
				trySend(s.in, ReceiveMessage{Payload: p})
			default:
				s.relayExcept(conn, st, ob.payload, "")
			}
		default:
			return
		}
	}
}

// relayExcept sends a payload to every accepted peer except the named one.
// An empty name broadcasts to all.
func (s *Server) relayExcept(conn *transport.Conn, st *serverState, payload protocol.Payload, except string) {
	ch := transport.ChannelReliable
	if u, ok := payload.(*protocol.Update); ok && u.IsUnreliable {
		ch = transport.ChannelUnreliable
	}
	for _, peer := range st.peers {
		if peer.name == except {
			continue
		}
		s.sendPayload(conn, payload, peer.addr, ch)
	}
}

func (s *Server) sendPayload(conn *transport.Conn, p protocol.Payload, dst string, ch transport.Channel) {
	data, err := protocol.Encode(p)
	if err != nil {
		util.LogError("encode failed: %v", err)
		return
	}
	if err := conn.Send(data, dst, ch); err != nil {
		util.LogDebug("send to %s failed: %v", dst, err)
	}
}

// versionsCompatible accepts joiners whose major and minor version match the
// host's. Patch releases never change the wire protocol.
func versionsCompatible(server, client string) bool {
	sv, err := semver.NewVersion(server)
	if err != nil {
		return false
	}
	cv, err := semver.NewVersion(client)
	if err != nil {
		return false
	}
	return sv.Major() == cv.Major() && sv.Minor() == cv.Minor()
}

func (s *Server) enqueue(p protocol.Payload, to string) {
	select {
	case s.out <- outbound{payload: p, to: to}:
	default:
		util.LogWarning("outbound queue full, dropping %T", p)
	}
}

// Update fans a state blob out to every peer.
func (s *Server) Update(data []byte, unreliable bool) {
	s.enqueue(&protocol.Update{Data: data, From: s.name, IsUnreliable: unreliable, Time: now()}, "")
}

// TransferControl hands control to the named peer (or back to the host).
func (s *Server) TransferControl(to string) {
	s.enqueue(&protocol.TransferControl{From: s.name, To: to}, "")
}

// TakeControl requests control from the peer holding it.
func (s *Server) TakeControl(from string) {
	s.enqueue(&protocol.TransferControl{From: from, To: s.name}, "")
}

// SetObserver toggles the observer flag of the named peer.
func (s *Server) SetObserver(to string, observer bool) {
	s.enqueue(&protocol.SetObserver{From: s.name, To: to, IsObserver: observer}, "")
}

// SendReady is a no-op broadcast on the hosting side; peers wait on the
// host's state, not the reverse.
func (s *Server) SendReady() {
	s.enqueue(&protocol.Ready{}, "")
}

// SendDefinitions ships the aircraft-definition blob to one named peer.
func (s *Server) SendDefinitions(blob []byte, to string) {
	s.enqueue(&protocol.AircraftDefinition{Bytes: blob}, to)
}

// IsHost is always true for a server.
func (s *Server) IsHost() bool { return true }

// SessionID returns the rendezvous-granted session id, or "" when hosting
// directly.
func (s *Server) SessionID() string {
	id, _ := s.sessionID.Load().(string)
	return id
}

// LocalAddr returns the bound socket address once a Start variant ran.
func (s *Server) LocalAddr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// ConnectedCount returns the number of accepted peers.
func (s *Server) ConnectedCount() int { return int(s.peerCount.Load()) }

// Name returns the hosting identity.
func (s *Server) Name() string { return s.name }

// Messages returns the inbound queue.
func (s *Server) Messages() <-chan ReceiveMessage { return s.in }

// Stop terminates the session with the given reason.
func (s *Server) Stop(reason string) {
	if s.stopped.Swap(true) {
		return
	}
	trySend(s.in, ReceiveMessage{Event: &Event{Kind: EventConnectionLost, Reason: reason}})
}
