// Package sim abstracts the flight simulator connection. The network layer
// never talks to a simulator directly; it goes through a Connector so the
// rest of the app can run (and be tested) without one attached.
package sim

import "errors"

// ErrNotConnected is returned by operations on a connector without a live
// simulator link.
var ErrNotConnected = errors.New("simulator not connected")

// VarUpdate is one changed simulator variable.
type VarUpdate struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Connector is a live simulator link.
type Connector interface {
	// Connect establishes the link. Safe to call again after failure.
	Connect() error
	// Poll returns the variables that changed since the last call.
	Poll() ([]VarUpdate, error)
	// Set writes one variable into the simulator.
	Set(name string, value float64) error
	// Get reads one variable.
	Get(name string) (float64, error)
	// Close tears the link down.
	Close() error
}

// NullConnector is the stand-in used when no simulator is attached: writes
// are remembered, reads return what was written, Poll never reports changes.
type NullConnector struct {
	connected bool
	vars      map[string]float64
}

// NewNullConnector returns a disconnected stand-in.
func NewNullConnector() *NullConnector {
	return &NullConnector{vars: make(map[string]float64)}
}

func (n *NullConnector) Connect() error {
	n.connected = true
	return nil
}

func (n *NullConnector) Poll() ([]VarUpdate, error) {
	if !n.connected {
		return nil, ErrNotConnected
	}
	return nil, nil
}

func (n *NullConnector) Set(name string, value float64) error {
	if !n.connected {
		return ErrNotConnected
	}
	n.vars[name] = value
	return nil
}

func (n *NullConnector) Get(name string) (float64, error) {
	if !n.connected {
		return 0, ErrNotConnected
	}
	return n.vars[name], nil
}

func (n *NullConnector) Close() error {
	n.connected = false
	return nil
}
