package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the outer JSON frame: a type tag plus the variant's own fields.
// New variants can be added without breaking older decoders — they fail on
// the tag, not on the envelope.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// decoders maps a wire tag to a constructor for the matching variant.
var decoders = map[string]func() Payload{
	typeHandshake:          func() Payload { return &Handshake{} },
	typeInitHandshake:      func() Payload { return &InitHandshake{} },
	typeAttemptConnection:  func() Payload { return &AttemptConnection{} },
	typePeerEstablished:    func() Payload { return &PeerEstablished{} },
	typeInvalidVersion:     func() Payload { return &InvalidVersion{} },
	typeInvalidName:        func() Payload { return &InvalidName{} },
	typeRequestHosting:     func() Payload { return &RequestHosting{} },
	typeHostingReceived:    func() Payload { return &HostingReceived{} },
	typePlayerJoined:       func() Payload { return &PlayerJoined{} },
	typePlayerLeft:         func() Payload { return &PlayerLeft{} },
	typeUpdate:             func() Payload { return &Update{} },
	typeTransferControl:    func() Payload { return &TransferControl{} },
	typeSetObserver:        func() Payload { return &SetObserver{} },
	typeSetHost:            func() Payload { return &SetHost{} },
	typeAircraftDefinition: func() Payload { return &AircraftDefinition{} },
	typeReady:              func() Payload { return &Ready{} },
	typeHeartbeat:          func() Payload { return &Heartbeat{} },
}

// Encode serializes a payload into a single self-describing datagram body.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.payloadType(), err)
	}
	return json.Marshal(envelope{Type: p.payloadType(), Data: data})
}

// Decode parses a datagram body back into its payload variant.
func Decode(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	mk, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}
	p := mk()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return p, nil
}
