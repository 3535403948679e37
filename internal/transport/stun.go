package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// STUN servers for public endpoint discovery, tried in order.
var stunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

const stunTimeout = 3 * time.Second

// isSTUN reports whether a datagram is a STUN message, so binding responses
// can be diverted before protocol decoding.
func isSTUN(data []byte) bool {
	return stun.IsMessage(data)
}

// PublicAddr discovers this socket's public "ip:port" as seen from the
// internet, using a STUN binding request over the already-bound socket. The
// same socket must be used: a different source port would map to a
// different NAT binding than the one peers will punch towards.
//
// Must be called from the polling goroutine before the session loop starts
// consuming events.
func (c *Conn) PublicAddr() (string, error) {
	var lastErr error
	for _, server := range stunServers {
		addr, err := c.stunQuery(server)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("no STUN server reachable: %w", lastErr)
}

func (c *Conn) stunQuery(server string) (string, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return "", fmt.Errorf("build binding request: %w", err)
	}
	c.write(req.Raw, serverAddr)

	deadline := time.After(stunTimeout)
	for {
		select {
		case raw := <-c.stunCh:
			msg := &stun.Message{Raw: raw}
			if err := msg.Decode(); err != nil {
				continue
			}
			if msg.TransactionID != req.TransactionID {
				continue
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(msg); err != nil {
				return "", fmt.Errorf("no mapped address in response: %w", err)
			}
			return fmt.Sprintf("%s:%d", xorAddr.IP, xorAddr.Port), nil

		case <-deadline:
			return "", fmt.Errorf("timed out waiting for %s", server)
		}
	}
}
