// Package transport wraps a UDP socket with the two logical channels the
// session layer needs: an unreliable fire-and-forget channel and a reliable,
// per-sender-ordered channel built on acknowledgment and retransmission.
//
// A Conn is polled, not callback-driven: the owning goroutine calls Poll
// once per tick and receives zero or more events. Everything except the
// background socket reader runs on that one goroutine, so the connection
// table needs no locking.
package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/evharten/skydeck/internal/util"
)

// Tuning constants.
const (
	inboundBufferSize  = 256                    // datagrams queued between reader and Poll
	defaultIdleTimeout = 10 * time.Second       // no datagram from a peer → ConnectionClosed
	retransmitInterval = 200 * time.Millisecond // reliable resend cadence
	maxResends         = 10                     // reliable resend budget before giving up
)

// Config controls per-connection behavior.
type Config struct {
	// IdleTimeout is how long a tracked peer may stay silent before the
	// adapter reports ConnectionClosed for it. Zero means the default.
	IdleTimeout time.Duration
}

// EventKind discriminates Poll results.
type EventKind uint8

const (
	// EventPacket carries one inbound datagram body.
	EventPacket EventKind = iota + 1
	// EventConnectionClosed reports that a tracked peer went silent past
	// IdleTimeout or exhausted the reliable resend budget.
	EventConnectionClosed
)

// Event is one observation returned by Poll.
type Event struct {
	Kind    EventKind
	Addr    *net.UDPAddr
	Payload []byte // set for EventPacket
}

type datagram struct {
	addr *net.UDPAddr
	data []byte
}

// peerState tracks one remote address: last activity, outgoing reliable
// sequence numbers with their unacked packets, and inbound ordering.
type peerState struct {
	addr      *net.UDPAddr
	lastHeard time.Time
	nextSeq   uint32
	pending   map[uint32]*pendingPacket
	recv      *reassembler
}

type pendingPacket struct {
	data     []byte
	lastSent time.Time
	resends  int
}

// Conn is a bound datagram endpoint. Send, Poll and PublicAddr must all be
// called from the same goroutine; only the internal reader runs elsewhere.
type Conn struct {
	udp *net.UDPConn
	cfg Config

	inbound chan datagram
	stunCh  chan []byte

	peers     map[string]*peerState
	addrCache map[string]*net.UDPAddr
}

// Bind opens a UDP socket on the given local address ("ip:port", ":0" for
// ephemeral) and starts the background reader.
func Bind(local string, cfg Config) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", local, err)
	}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	c := &Conn{
		udp:       udp,
		cfg:       cfg,
		inbound:   make(chan datagram, inboundBufferSize),
		stunCh:    make(chan []byte, 4),
		peers:     make(map[string]*peerState),
		addrCache: make(map[string]*net.UDPAddr),
	}
	go c.readLoop()
	return c, nil
}

// readLoop moves datagrams from the socket into the inbound queue. STUN
// responses are diverted so binding transactions never reach Poll.
func (c *Conn) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			// Socket closed — Poll keeps returning whatever is queued.
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		util.Stats.AddRecv(n)

		if isSTUN(data) {
			select {
			case c.stunCh <- data:
			default:
			}
			continue
		}

		select {
		case c.inbound <- datagram{addr: addr, data: data}:
		default:
			util.LogDebug("inbound queue full, dropping datagram from %s", addr)
		}
	}
}

// LocalAddr returns the bound socket address.
func (c *Conn) LocalAddr() string {
	return c.udp.LocalAddr().String()
}

// Close shuts the socket down. Pending events already queued may still be
// drained with Poll.
func (c *Conn) Close() error {
	return c.udp.Close()
}

// Send queues one payload for the destination on the chosen channel.
// Fire-and-forget: delivery failures surface later as transport events, not
// as an error here. Only reliable sends begin tracking the destination.
func (c *Conn) Send(payload []byte, dst string, ch Channel) error {
	if len(payload)+headerSize > maxDatagramSize {
		return fmt.Errorf("payload of %d bytes exceeds max datagram size", len(payload))
	}
	addr, err := c.resolve(dst)
	if err != nil {
		return err
	}

	var seq uint32
	if ch == ChannelReliable {
		p := c.ensurePeer(addr)
		p.nextSeq++
		seq = p.nextSeq
	}

	data := frame(ch, seq, payload)
	if ch == ChannelReliable {
		c.peers[addr.String()].pending[seq] = &pendingPacket{
			data:     data,
			lastSent: time.Now(),
		}
	}

	c.write(data, addr)
	return nil
}

// Poll advances the adapter: drains inbound datagrams, acknowledges and
// orders reliable traffic, retransmits unacked packets, and expires idle
// peers. An empty result means nothing happened this tick.
func (c *Conn) Poll() []Event {
	now := time.Now()
	var events []Event

	// Drain everything the reader queued since the last tick.
drain:
	for {
		select {
		case d := <-c.inbound:
			if ev := c.handleDatagram(d, now); ev != nil {
				events = append(events, ev...)
			}
		default:
			break drain
		}
	}

	// Retransmit pass + idle pass.
	for key, p := range c.peers {
		closed := false
		for seq, pp := range p.pending {
			if now.Sub(pp.lastSent) < retransmitInterval {
				continue
			}
			if pp.resends >= maxResends {
				closed = true
				break
			}
			c.write(pp.data, p.addr)
			pp.resends++
			pp.lastSent = now
			util.LogDebug("retransmit seq %d to %s (#%d)", seq, p.addr, pp.resends)
		}

		if closed || now.Sub(p.lastHeard) >= c.cfg.IdleTimeout {
			events = append(events, Event{Kind: EventConnectionClosed, Addr: p.addr})
			delete(c.peers, key)
		}
	}

	return events
}

// handleDatagram decodes one raw datagram and returns the packet events it
// produces, if any.
func (c *Conn) handleDatagram(d datagram, now time.Time) []Event {
	ch, seq, payload, err := unframe(d.data)
	if err != nil {
		util.LogDebug("dropping malformed datagram from %s: %v", d.addr, err)
		return nil
	}

	p := c.ensurePeer(d.addr)
	p.lastHeard = now

	switch ch {
	case chanAck:
		delete(p.pending, seq)
		return nil

	case ChannelUnreliable:
		return []Event{{Kind: EventPacket, Addr: d.addr, Payload: payload}}

	case ChannelReliable:
		// Ack unconditionally — duplicates mean our previous ack was lost.
		c.write(frame(chanAck, seq, nil), d.addr)
		var events []Event
		for _, body := range p.recv.feed(seq, payload) {
			events = append(events, Event{Kind: EventPacket, Addr: d.addr, Payload: body})
		}
		return events
	}
	return nil
}

func (c *Conn) ensurePeer(addr *net.UDPAddr) *peerState {
	key := addr.String()
	p, ok := c.peers[key]
	if !ok {
		p = &peerState{
			addr:      addr,
			lastHeard: time.Now(),
			pending:   make(map[uint32]*pendingPacket),
			recv:      newReassembler(),
		}
		c.peers[key] = p
	}
	return p
}

func (c *Conn) resolve(dst string) (*net.UDPAddr, error) {
	if addr, ok := c.addrCache[dst]; ok {
		return addr, nil
	}
	addr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dst, err)
	}
	c.addrCache[dst] = addr
	return addr, nil
}

func (c *Conn) write(data []byte, addr *net.UDPAddr) {
	n, err := c.udp.WriteToUDP(data, addr)
	if err != nil {
		util.LogDebug("write to %s failed: %v", addr, err)
		return
	}
	util.Stats.AddSent(n)
}
