package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/evharten/skydeck/internal/config"
	"github.com/evharten/skydeck/internal/definitions"
	"github.com/evharten/skydeck/internal/protocol"
	"github.com/evharten/skydeck/internal/registry"
	"github.com/evharten/skydeck/internal/session"
	"github.com/evharten/skydeck/internal/sim"
	"github.com/evharten/skydeck/internal/ui"
	"github.com/evharten/skydeck/internal/update"
)

// fakeTC records outbound calls instead of touching the network.
type fakeTC struct {
	host bool
	name string

	msgs      chan session.ReceiveMessage
	updates   [][]byte
	transfers []string
	ready     int
	defsSent  []string
	stopped   string
}

func newFakeTC(name string, host bool) *fakeTC {
	return &fakeTC{name: name, host: host, msgs: make(chan session.ReceiveMessage, 64)}
}

func (f *fakeTC) Update(data []byte, unreliable bool)     { f.updates = append(f.updates, data) }
func (f *fakeTC) TransferControl(to string)               { f.transfers = append(f.transfers, to) }
func (f *fakeTC) TakeControl(from string)                 { f.transfers = append(f.transfers, f.name) }
func (f *fakeTC) SetObserver(to string, observer bool)    {}
func (f *fakeTC) SendReady()                              { f.ready++ }
func (f *fakeTC) SendDefinitions(blob []byte, to string)  { f.defsSent = append(f.defsSent, to) }
func (f *fakeTC) IsHost() bool                            { return f.host }
func (f *fakeTC) SessionID() string                       { return "" }
func (f *fakeTC) ConnectedCount() int                     { return 0 }
func (f *fakeTC) Name() string                            { return f.name }
func (f *fakeTC) Messages() <-chan session.ReceiveMessage { return f.msgs }
func (f *fakeTC) Stop(reason string)                      { f.stopped = reason }

// fakeSim scripts Poll batches and records writes.
type fakeSim struct {
	changes [][]sim.VarUpdate
	sets    map[string]float64
}

func (f *fakeSim) Connect() error { return nil }
func (f *fakeSim) Close() error   { return nil }

func (f *fakeSim) Poll() ([]sim.VarUpdate, error) {
	if len(f.changes) == 0 {
		return nil, nil
	}
	batch := f.changes[0]
	f.changes = f.changes[1:]
	return batch, nil
}

func (f *fakeSim) Set(name string, value float64) error {
	f.sets[name] = value
	return nil
}

func (f *fakeSim) Get(name string) (float64, error) {
	return f.sets[name], nil
}

const testAircraft = `
name: Test Prop
vars:
  - name: GEAR_HANDLE
`

// newTestApp wires an App around a fake transfer client and a scripted
// simulator stand-in.
func newTestApp(t *testing.T, tc session.TransferClient) (*App, *fakeSim) {
	t.Helper()
	conn := &fakeSim{sets: make(map[string]float64)}

	a := &App{
		version:     "1.0.0",
		cfgPath:     filepath.Join(t.TempDir(), "config.json"),
		aircraftDir: t.TempDir(),
		cfg:         config.Default(),
		bridge:      ui.NewBridge(),
		defs:        definitions.New(conn),
		clients:     registry.NewClientManager(),
		updater:     update.NewUpdater(),
		tc:          tc,
	}
	if err := a.defs.LoadFromBytes([]byte(testAircraft)); err != nil {
		t.Fatal(err)
	}
	return a, conn
}

// TestControlArbitration verifies TransferControl converges the local view:
// gaining, losing, and the single-controller invariant.
func TestControlArbitration(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, _ := newTestApp(t, tc)
	a.clients.Add("Alice", false)
	a.clients.SetServer("Alice")
	a.clients.Add("Carol", false)

	a.handleSessionPayload(&protocol.TransferControl{From: "Alice", To: "Bob"})
	if !a.inControl {
		t.Fatal("control not gained")
	}
	if a.clients.ClientHasControl() {
		t.Error("registry still names a remote controller")
	}

	a.handleSessionPayload(&protocol.TransferControl{From: "Bob", To: "Carol"})
	if a.inControl {
		t.Fatal("control not released")
	}
	if got := a.clients.InControl(); got != "Carol" {
		t.Errorf("InControl = %q, want Carol", got)
	}
}

// TestHostReclaimsControlOnLeave verifies the host takes the aircraft back
// when the controlling peer drops.
func TestHostReclaimsControlOnLeave(t *testing.T) {
	tc := newFakeTC("Alice", true)
	a, _ := newTestApp(t, tc)
	a.clients.Add("Bob", false)
	a.clients.SetClientControl("Bob")

	a.handleSessionPayload(&protocol.PlayerLeft{Name: "Bob"})
	if len(tc.transfers) != 1 || tc.transfers[0] != "Alice" {
		t.Errorf("transfers = %v, want [Alice]", tc.transfers)
	}

	// The broadcast loops back; now the host actually holds control.
	a.handleSessionPayload(&protocol.TransferControl{From: "Alice", To: "Alice"})
	if !a.inControl {
		t.Error("host never converged on its own reclaim")
	}
}

// TestNonControllerLeaveDoesNotReclaim verifies an uninvolved peer leaving
// moves nothing.
func TestNonControllerLeaveDoesNotReclaim(t *testing.T) {
	tc := newFakeTC("Alice", true)
	a, _ := newTestApp(t, tc)
	a.inControl = true
	a.clients.Add("Bob", false)

	a.handleSessionPayload(&protocol.PlayerLeft{Name: "Bob"})
	if len(tc.transfers) != 0 {
		t.Errorf("unexpected transfers: %v", tc.transfers)
	}
}

// TestUpdateAppliedOnlyWhenNotInControl verifies inbound state lands in the
// sim for followers and is ignored by the controller.
func TestUpdateAppliedOnlyWhenNotInControl(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, conn := newTestApp(t, tc)
	a.ready = true
	a.clients.Add("Alice", false)

	blob, err := definitions.EncodeUpdates([]sim.VarUpdate{{Name: "GEAR_HANDLE", Value: 1}})
	if err != nil {
		t.Fatal(err)
	}

	a.handleSessionPayload(&protocol.Update{Data: blob, From: "Alice"})
	if conn.sets["GEAR_HANDLE"] != 1 {
		t.Error("follower did not apply the update")
	}

	a.inControl = true
	blob, _ = definitions.EncodeUpdates([]sim.VarUpdate{{Name: "GEAR_HANDLE", Value: 0}})
	a.handleSessionPayload(&protocol.Update{Data: blob, From: "Alice"})
	if conn.sets["GEAR_HANDLE"] != 1 {
		t.Error("controller applied a remote update")
	}
}

// TestUpdateGates verifies inbound state is dropped when it comes from an
// observer or arrives before the settle delay has finished.
func TestUpdateGates(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, conn := newTestApp(t, tc)
	a.ready = true
	a.clients.Add("Alice", true)

	blob, err := definitions.EncodeUpdates([]sim.VarUpdate{{Name: "GEAR_HANDLE", Value: 42}})
	if err != nil {
		t.Fatal(err)
	}

	a.handleSessionPayload(&protocol.Update{Data: blob, From: "Alice"})
	if conn.sets["GEAR_HANDLE"] != 0 {
		t.Error("state from an observer reached the sim")
	}

	// Same sender as an active participant, but too early.
	a.clients.SetObserver("Alice", false)
	a.ready = false
	a.handleSessionPayload(&protocol.Update{Data: blob, From: "Alice"})
	if conn.sets["GEAR_HANDLE"] != 0 {
		t.Error("state applied before the settle delay finished")
	}

	a.ready = true
	a.handleSessionPayload(&protocol.Update{Data: blob, From: "Alice"})
	if conn.sets["GEAR_HANDLE"] != 42 {
		t.Error("legitimate update was dropped")
	}
}

// TestDefinitionRestartsSettleDelay verifies a freshly received aircraft
// config holds back state until a full settle delay has passed again.
func TestDefinitionRestartsSettleDelay(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, _ := newTestApp(t, tc)
	a.connectedAt = time.Now().Add(-2 * readyDelay)
	a.ready = true

	a.handleSessionPayload(&protocol.AircraftDefinition{Bytes: []byte(testAircraft)})
	if a.ready {
		t.Fatal("still ready right after the mapping changed")
	}
	if time.Since(a.connectedAt) >= readyDelay {
		t.Error("settle timer was not restarted")
	}

	// The host loads its own config; receiving one back must not stall it.
	htc := newFakeTC("Alice", true)
	h, _ := newTestApp(t, htc)
	h.ready = true
	h.handleSessionPayload(&protocol.AircraftDefinition{Bytes: []byte(testAircraft)})
	if !h.ready {
		t.Error("host lost readiness on a definition echo")
	}
}

// TestHandoffClearsStagedState verifies vars batched while in control do not
// leak onto the wire after control moves away and comes back.
func TestHandoffClearsStagedState(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, _ := newTestApp(t, tc)
	a.inControl = true
	a.ready = true
	a.pendingReliable = []sim.VarUpdate{{Name: "GEAR_HANDLE", Value: 1}}
	a.pendingUnreliable = []sim.VarUpdate{{Name: "GEAR_HANDLE", Value: 1}}

	a.handleSessionPayload(&protocol.TransferControl{From: "Bob", To: "Carol"})
	if a.pendingReliable != nil || a.pendingUnreliable != nil {
		t.Fatal("staged vars survived the handoff")
	}

	a.handleSessionPayload(&protocol.TransferControl{From: "Carol", To: "Bob"})
	a.tickSim()
	if len(tc.updates) != 0 {
		t.Errorf("stale batch went out after regaining control: %d updates", len(tc.updates))
	}
}

// TestJoinerStartsObserving verifies a fresh joiner stays silent until the
// host explicitly clears its observer flag.
func TestJoinerStartsObserving(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, conn := newTestApp(t, tc)

	a.handleSessionEvent(&session.Event{Kind: session.EventConnectionEstablished})
	if !a.observing {
		t.Fatal("joiner did not start as an observer")
	}

	// Even granted control, nothing moves before the host clears the flag.
	a.inControl = true
	a.ready = true
	conn.changes = [][]sim.VarUpdate{{{Name: "GEAR_HANDLE", Value: 1}}}
	a.tickSim()
	if len(tc.updates) != 0 {
		t.Errorf("observing joiner sent %d updates", len(tc.updates))
	}

	a.handleSessionPayload(&protocol.SetObserver{From: "Alice", To: "Bob", IsObserver: false})
	if a.observing {
		t.Error("host's clear did not land")
	}

	// A hosting endpoint starts active.
	htc := newFakeTC("Alice", true)
	h, _ := newTestApp(t, htc)
	h.handleSessionEvent(&session.Event{Kind: session.EventConnectionEstablished})
	if h.observing {
		t.Error("host started as an observer")
	}
}

// TestJoinRosterFlags verifies PlayerJoined lands the observer and server
// flags in the roster.
func TestJoinRosterFlags(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, _ := newTestApp(t, tc)

	a.handleSessionPayload(&protocol.PlayerJoined{Name: "Alice", IsServer: true})
	a.handleSessionPayload(&protocol.PlayerJoined{Name: "Carol", IsObserver: true})
	if !a.clients.ClientIsServer("Alice") || a.clients.ClientIsServer("Carol") {
		t.Error("server flags wrong")
	}
	if !a.clients.IsObserver("Carol") || a.clients.IsObserver("Alice") {
		t.Error("observer flags wrong")
	}
}

// TestHostShipsDefinitionsOnJoin verifies every joiner gets the aircraft
// config.
func TestHostShipsDefinitionsOnJoin(t *testing.T) {
	tc := newFakeTC("Alice", true)
	a, _ := newTestApp(t, tc)

	a.handleSessionPayload(&protocol.PlayerJoined{Name: "Bob"})
	if len(tc.defsSent) != 1 || tc.defsSent[0] != "Bob" {
		t.Errorf("defsSent = %v, want [Bob]", tc.defsSent)
	}
	if a.clients.Count() != 1 {
		t.Errorf("roster count = %d", a.clients.Count())
	}
}

// TestReadyAfterSettleDelay verifies a joiner announces Ready once, after
// the settle delay.
func TestReadyAfterSettleDelay(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, _ := newTestApp(t, tc)
	a.connectedAt = time.Now().Add(-readyDelay)

	a.tickSim()
	a.tickSim()
	if !a.ready {
		t.Fatal("never became ready")
	}
	if tc.ready != 1 {
		t.Errorf("SendReady called %d times, want 1", tc.ready)
	}
}

// TestControllerSendsUpdates verifies changed vars go on the wire once the
// controller is ready.
func TestControllerSendsUpdates(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, conn := newTestApp(t, tc)
	a.inControl = true
	a.ready = true

	conn.changes = [][]sim.VarUpdate{{{Name: "GEAR_HANDLE", Value: 1}}}
	a.tickSim()
	if len(tc.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(tc.updates))
	}
	updates, err := definitions.DecodeUpdates(tc.updates[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Name != "GEAR_HANDLE" {
		t.Errorf("sent = %v", updates)
	}
}

// TestObserverSendsNothing verifies an observing endpoint never puts state
// on the wire even while nominally in control.
func TestObserverSendsNothing(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, conn := newTestApp(t, tc)
	a.inControl = true
	a.ready = true
	a.observing = true

	conn.changes = [][]sim.VarUpdate{{{Name: "GEAR_HANDLE", Value: 1}}}
	a.tickSim()
	if len(tc.updates) != 0 {
		t.Errorf("observer sent %d updates", len(tc.updates))
	}
}

// TestControllerReplaysSnapshotOnReady verifies the controller answers a
// peer's Ready with the full current state.
func TestControllerReplaysSnapshotOnReady(t *testing.T) {
	tc := newFakeTC("Alice", true)
	a, conn := newTestApp(t, tc)
	a.inControl = true
	conn.sets["GEAR_HANDLE"] = 1

	a.handleSessionPayload(&protocol.Ready{})
	if len(tc.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(tc.updates))
	}
	updates, err := definitions.DecodeUpdates(tc.updates[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Name != "GEAR_HANDLE" || updates[0].Value != 1 {
		t.Errorf("snapshot = %v", updates)
	}
}

// TestDisconnectReset verifies a ConnectionLost event clears all session
// state.
func TestDisconnectReset(t *testing.T) {
	tc := newFakeTC("Bob", false)
	a, _ := newTestApp(t, tc)
	a.inControl = true
	a.clients.Add("Alice", false)
	a.clients.SetServer("Alice")

	a.handleSessionEvent(&session.Event{Kind: session.EventConnectionLost, Reason: "Stopped."})
	if a.tc != nil || a.inControl || a.clients.Count() != 0 {
		t.Error("session state survived the disconnect")
	}
}
