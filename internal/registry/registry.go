// Package registry tracks the peers of a live session from one endpoint's
// point of view: who is connected, who observes, and which single peer has
// control of the aircraft.
package registry

// clientInfo is the per-peer record.
type clientInfo struct {
	inControl  bool
	isObserver bool
	isServer   bool
}

// ClientManager is the session roster. It is not safe for concurrent use;
// the application loop is its only caller.
type ClientManager struct {
	clients map[string]*clientInfo
}

// NewClientManager returns an empty roster.
func NewClientManager() *ClientManager {
	return &ClientManager{clients: make(map[string]*clientInfo)}
}

// Add registers a peer. Re-adding an existing name resets its flags.
func (m *ClientManager) Add(name string, isObserver bool) {
	m.clients[name] = &clientInfo{isObserver: isObserver}
}

// Remove forgets a peer.
func (m *ClientManager) Remove(name string) {
	delete(m.clients, name)
}

// SetObserver updates a peer's observer flag. Unknown names are ignored.
func (m *ClientManager) SetObserver(name string, observer bool) {
	if c, ok := m.clients[name]; ok {
		c.isObserver = observer
	}
}

// SetServer marks a peer as the hosting endpoint.
func (m *ClientManager) SetServer(name string) {
	if c, ok := m.clients[name]; ok {
		c.isServer = true
	}
}

// SetClientControl gives control to the named peer, clearing it everywhere
// else first so at most one peer ever holds it. Granting to an already
// controlling peer is a no-op.
func (m *ClientManager) SetClientControl(name string) {
	for _, c := range m.clients {
		c.inControl = false
	}
	if c, ok := m.clients[name]; ok {
		c.inControl = true
	}
}

// SetNoControl clears control from every peer, used when this endpoint
// takes control itself.
func (m *ClientManager) SetNoControl() {
	for _, c := range m.clients {
		c.inControl = false
	}
}

// InControl returns the name of the controlling peer, or "" when this
// endpoint (or nobody) has control.
func (m *ClientManager) InControl() string {
	for name, c := range m.clients {
		if c.inControl {
			return name
		}
	}
	return ""
}

// ClientHasControl reports whether any peer holds control.
func (m *ClientManager) ClientHasControl() bool {
	return m.InControl() != ""
}

// IsObserver reports the observer flag of the named peer.
func (m *ClientManager) IsObserver(name string) bool {
	if c, ok := m.clients[name]; ok {
		return c.isObserver
	}
	return false
}

// ClientIsServer reports whether the named peer is the hosting endpoint.
func (m *ClientManager) ClientIsServer(name string) bool {
	if c, ok := m.clients[name]; ok {
		return c.isServer
	}
	return false
}

// Count returns the number of known peers.
func (m *ClientManager) Count() int {
	return len(m.clients)
}

// Names returns every known peer name, order unspecified.
func (m *ClientManager) Names() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// Reset drops the whole roster, used when a session ends.
func (m *ClientManager) Reset() {
	m.clients = make(map[string]*clientInfo)
}
