// Package protocol defines the wire messages exchanged between peers and the
// codec that puts them on the datagram transport.
package protocol

// Payload is the closed set of messages a peer can send or receive. Every
// variant is self-describing: decoding needs no context beyond the bytes.
type Payload interface {
	payloadType() string
}

// Handshake opens (or confirms) a connection attempt. An empty SessionID
// means a direct connection with no rendezvous involved.
type Handshake struct {
	SessionID string `json:"session_id"`
}

// InitHandshake is sent by a joiner once the handshake is confirmed,
// carrying the identity the host validates.
type InitHandshake struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AttemptConnection is relayed by the rendezvous server and names the real
// address of the peer to punch towards.
type AttemptConnection struct {
	Peer string `json:"peer"`
}

// PeerEstablished is the host's acknowledgement that a joiner was accepted.
type PeerEstablished struct{}

// InvalidVersion rejects a joiner whose version is incompatible.
type InvalidVersion struct {
	ServerVersion string `json:"server_version"`
}

// InvalidName rejects a joiner whose name is already taken.
type InvalidName struct{}

// RequestHosting asks a rendezvous or relay endpoint for a fresh session.
type RequestHosting struct{}

// HostingReceived answers RequestHosting with the minted session id.
type HostingReceived struct {
	SessionID string `json:"session_id"`
}

// PlayerJoined announces a new peer to the roster.
type PlayerJoined struct {
	Name       string `json:"name"`
	InControl  bool   `json:"in_control"`
	IsObserver bool   `json:"is_observer"`
	IsServer   bool   `json:"is_server"`
}

// PlayerLeft announces a peer's departure.
type PlayerLeft struct {
	Name string `json:"name"`
}

// Update carries an opaque simulator-state blob with provenance and a
// timestamp for staleness detection on the unreliable channel.
type Update struct {
	Data         []byte  `json:"data"`
	From         string  `json:"from"`
	IsUnreliable bool    `json:"is_unreliable"`
	Time         float64 `json:"time"`
}

// TransferControl moves control of the shared aircraft from one peer to
// another. It is the single source of truth: both endpoints converge the
// instant they process it.
type TransferControl struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SetObserver toggles the observer flag of a peer.
type SetObserver struct {
	From       string `json:"from"`
	To         string `json:"to"`
	IsObserver bool   `json:"is_observer"`
}

// SetHost tells a relay-connected client it is now the hosting peer.
type SetHost struct{}

// AircraftDefinition carries the serialized variable-mapping blob.
type AircraftDefinition struct {
	Bytes []byte `json:"bytes"`
}

// Ready signals that the sender finished its initial delay and can receive
// live state.
type Ready struct{}

// Heartbeat keeps NAT mappings alive on otherwise quiet connections.
type Heartbeat struct{}

// Wire type tags.
const (
	typeHandshake          = "handshake"
	typeInitHandshake      = "init_handshake"
	typeAttemptConnection  = "attempt_connection"
	typePeerEstablished    = "peer_established"
	typeInvalidVersion     = "invalid_version"
	typeInvalidName        = "invalid_name"
	typeRequestHosting     = "request_hosting"
	typeHostingReceived    = "hosting_received"
	typePlayerJoined       = "player_joined"
	typePlayerLeft         = "player_left"
	typeUpdate             = "update"
	typeTransferControl    = "transfer_control"
	typeSetObserver        = "set_observer"
	typeSetHost            = "set_host"
	typeAircraftDefinition = "aircraft_definition"
	typeReady              = "ready"
	typeHeartbeat          = "heartbeat"
)

func (*Handshake) payloadType() string          { return typeHandshake }
func (*InitHandshake) payloadType() string      { return typeInitHandshake }
func (*AttemptConnection) payloadType() string  { return typeAttemptConnection }
func (*PeerEstablished) payloadType() string    { return typePeerEstablished }
func (*InvalidVersion) payloadType() string     { return typeInvalidVersion }
func (*InvalidName) payloadType() string        { return typeInvalidName }
func (*RequestHosting) payloadType() string     { return typeRequestHosting }
func (*HostingReceived) payloadType() string    { return typeHostingReceived }
func (*PlayerJoined) payloadType() string       { return typePlayerJoined }
func (*PlayerLeft) payloadType() string         { return typePlayerLeft }
func (*Update) payloadType() string             { return typeUpdate }
func (*TransferControl) payloadType() string    { return typeTransferControl }
func (*SetObserver) payloadType() string        { return typeSetObserver }
func (*SetHost) payloadType() string            { return typeSetHost }
func (*AircraftDefinition) payloadType() string { return typeAircraftDefinition }
func (*Ready) payloadType() string              { return typeReady }
func (*Heartbeat) payloadType() string          { return typeHeartbeat }
