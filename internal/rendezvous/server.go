// Package rendezvous implements the public matchmaking server: hosts
// register a session and get a session id, joiners present that id, and the
// server tells both sides the other's public address so they can punch
// through their NATs. No application traffic ever flows through here.
package rendezvous

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evharten/skydeck/internal/protocol"
	"github.com/evharten/skydeck/internal/transport"
	"github.com/evharten/skydeck/internal/util"
)

const (
	loopSleep     = 10 * time.Millisecond
	purgeInterval = time.Minute
)

// Server is the rendezvous endpoint. Run owns all state; Close may be
// called from any goroutine.
type Server struct {
	conn    *transport.Conn
	store   *Store
	stopped atomic.Bool
}

// NewServer binds the rendezvous socket on the given local address.
func NewServer(local string, store *Store) (*Server, error) {
	conn, err := transport.Bind(local, transport.Config{})
	if err != nil {
		return nil, err
	}
	return &Server{conn: conn, store: store}, nil
}

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() string {
	return s.conn.LocalAddr()
}

// Close stops the serve loop.
func (s *Server) Close() {
	s.stopped.Store(true)
}

// Run serves until Close is called. It only ever reacts to two payloads:
// RequestHosting from hosts and Handshake from joiners.
func (s *Server) Run() error {
	util.LogInfo("rendezvous listening on %s", s.conn.LocalAddr())
	defer s.conn.Close()

	lastPurge := time.Now()
	for {
		for _, ev := range s.conn.Poll() {
			if ev.Kind != transport.EventPacket {
				continue
			}
			payload, err := protocol.Decode(ev.Payload)
			if err != nil {
				util.LogDebug("dropping undecodable packet from %s: %v", ev.Addr, err)
				continue
			}
			s.handlePayload(ev.Addr.String(), payload)
		}

		if time.Since(lastPurge) >= purgeInterval {
			if n, err := s.store.PurgeExpired(); err != nil {
				util.LogError("session purge failed: %v", err)
			} else if n > 0 {
				util.LogInfo("purged %d expired sessions", n)
			}
			lastPurge = time.Now()
		}

		if s.stopped.Load() {
			return nil
		}
		time.Sleep(loopSleep)
	}
}

func (s *Server) handlePayload(from string, payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.RequestHosting:
		id := uuid.NewString()
		if err := s.store.Create(id, from); err != nil {
			util.LogError("could not register session for %s: %v", from, err)
			return
		}
		util.LogInfo("session %s hosted by %s", id, from)
		s.send(&protocol.HostingReceived{SessionID: id}, from)

	case *protocol.Handshake:
		hostAddr, err := s.store.Lookup(p.SessionID)
		if err != nil {
			util.LogWarning("join for unknown session %q from %s", p.SessionID, from)
			return
		}
		util.LogInfo("matching %s with host %s for session %s", from, hostAddr, p.SessionID)
		// Both sides start punching towards each other at once.
		s.send(&protocol.AttemptConnection{Peer: from}, hostAddr)
		s.send(&protocol.AttemptConnection{Peer: hostAddr}, from)

	default:
		util.LogDebug("ignoring %T from %s", payload, from)
	}
}

func (s *Server) send(p protocol.Payload, dst string) {
	data, err := protocol.Encode(p)
	if err != nil {
		util.LogError("encode failed: %v", err)
		return
	}
	if err := s.conn.Send(data, dst, transport.ChannelReliable); err != nil {
		util.LogDebug("send to %s failed: %v", dst, err)
	}
}
