package app

import (
	"time"

	"github.com/evharten/skydeck/internal/definitions"
	"github.com/evharten/skydeck/internal/protocol"
	"github.com/evharten/skydeck/internal/session"
	"github.com/evharten/skydeck/internal/ui"
	"github.com/evharten/skydeck/internal/util"
)

// drainSession handles every message the transfer layer queued since the
// last tick.
func (a *App) drainSession() {
	for a.tc != nil {
		select {
		case msg := <-a.tc.Messages():
			if msg.Event != nil {
				a.handleSessionEvent(msg.Event)
			} else {
				a.handleSessionPayload(msg.Payload)
			}
		default:
			return
		}
	}
}

func (a *App) handleSessionEvent(ev *session.Event) {
	switch ev.Kind {
	case session.EventConnectionEstablished:
		a.connectedAt = time.Now()
		a.ready = false
		if a.tc.IsHost() {
			a.gainControl()
			a.bridge.Invoke(ui.InvokeServer, map[string]string{"session_id": a.tc.SessionID()})
		} else {
			// Joiners observe until the host clears the flag.
			a.observing = true
			a.bridge.Invoke(ui.InvokeConnected, map[string]string{"session_id": a.tc.SessionID()})
		}
		util.LogSuccess("session established")

	case session.EventConnectionLost:
		util.LogInfo("session ended: %s", ev.Reason)
		a.bridge.Invoke(ui.InvokeDisconnected, map[string]string{"reason": ev.Reason})
		a.reset()

	case session.EventUnablePunchthrough:
		a.bridge.Invoke(ui.InvokeClientFail,
			failData("Could not connect to the host. Try port forwarding."))
		a.reset()

	case session.EventSessionIDFetchFailed:
		a.bridge.Invoke(ui.InvokeServerFail,
			failData("Could not get a session ID."))
		a.reset()

	case session.EventMetrics:
		a.bridge.Invoke(ui.InvokeNetwork, ev.Metrics)
	}
}

func (a *App) handleSessionPayload(payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.PlayerJoined:
		a.clients.Add(p.Name, p.IsObserver)
		if p.IsServer {
			a.clients.SetServer(p.Name)
		}
		if p.InControl {
			a.clients.SetClientControl(p.Name)
		}
		a.bridge.Invoke(ui.InvokeNewConnection, map[string]string{"name": p.Name})
		if a.tc.IsHost() {
			if blob, err := a.defs.Bytes(); err == nil {
				a.tc.SendDefinitions(blob, p.Name)
			}
		}

	case *protocol.PlayerLeft:
		a.clients.Remove(p.Name)
		a.bridge.Invoke(ui.InvokeLostConnection, map[string]string{"name": p.Name})
		// A departed controller leaves the aircraft pilotless; the host
		// claims it and tells everyone.
		if a.tc.IsHost() && !a.inControl && !a.clients.ClientHasControl() {
			a.tc.TransferControl(a.tc.Name())
		}

	case *protocol.Update:
		// State only flows from an active participant, and only once the
		// settle delay is over and the mapping is in place.
		if a.inControl || a.clients.IsObserver(p.From) || !a.ready {
			return
		}
		if err := a.defs.SetFromPayload(p.Data); err != nil {
			util.LogDebug("could not apply update from %s: %v", p.From, err)
		}

	case *protocol.TransferControl:
		a.defs.ClearSync()
		a.pendingReliable = nil
		a.pendingUnreliable = nil
		if p.To == a.tc.Name() {
			a.gainControl()
			return
		}
		if a.inControl {
			a.loseControl()
		}
		a.clients.SetClientControl(p.To)
		a.bridge.Invoke(ui.InvokeSetInControl, map[string]string{"name": p.To})

	case *protocol.SetObserver:
		if p.To == a.tc.Name() {
			a.observing = p.IsObserver
			a.bridge.Invoke(ui.InvokeObserving, map[string]bool{"observing": p.IsObserver})
			return
		}
		a.clients.SetObserver(p.To, p.IsObserver)
		a.bridge.Invoke(ui.InvokeSetObserving, map[string]any{
			"name": p.To, "is_observer": p.IsObserver,
		})

	case *protocol.AircraftDefinition:
		if err := a.defs.LoadFromBytes(p.Bytes); err != nil {
			a.bridge.Invoke(ui.InvokeError, failData(err.Error()))
			return
		}
		util.LogInfo("received aircraft config %q", a.defs.AircraftName())
		// The mapping just changed under us; restart the settle delay so
		// no state moves until it has been in place for the full delay.
		if !a.tc.IsHost() {
			a.connectedAt = time.Now()
			a.ready = false
		}

	case *protocol.Ready:
		// A peer finished its settle delay; the controller brings it up
		// to the full current state.
		if !a.inControl {
			return
		}
		snapshot, err := a.defs.Snapshot()
		if err != nil || len(snapshot) == 0 {
			return
		}
		if blob, err := definitions.EncodeUpdates(snapshot); err == nil {
			a.tc.Update(blob, false)
		}
	}
}

func (a *App) gainControl() {
	a.inControl = true
	a.clients.SetNoControl()
	a.bridge.Invoke(ui.InvokeControl, nil)
}

func (a *App) loseControl() {
	a.inControl = false
	a.bridge.Invoke(ui.InvokeLostControl, nil)
}

// tickSim moves simulator changes onto the wire (when this endpoint is the
// controller) and handles the in-sim control-request binding.
func (a *App) tickSim() {
	if a.tc == nil {
		a.defs.ClearSync()
		return
	}

	if !a.ready && !a.connectedAt.IsZero() && time.Since(a.connectedAt) >= readyDelay {
		a.ready = true
		if !a.tc.IsHost() {
			a.tc.SendReady()
		}
	}

	reliable, unreliable, err := a.defs.Sync()
	if err != nil {
		util.LogDebug("sim poll failed: %v", err)
		return
	}

	if a.defs.ControlTransferRequested() && !a.inControl && !a.observing {
		a.tc.TakeControl(a.clients.InControl())
	}

	if !a.inControl || !a.ready || a.observing {
		return
	}
	a.pendingReliable = append(a.pendingReliable, reliable...)
	a.pendingUnreliable = append(a.pendingUnreliable, unreliable...)

	rate := a.cfg.UpdateRate
	if rate <= 0 {
		rate = 30
	}
	if time.Since(a.lastSend) < time.Second/time.Duration(rate) {
		return
	}
	if len(a.pendingReliable) == 0 && len(a.pendingUnreliable) == 0 {
		return
	}

	if len(a.pendingReliable) > 0 {
		if blob, err := definitions.EncodeUpdates(a.pendingReliable); err == nil {
			a.tc.Update(blob, false)
		}
		a.pendingReliable = nil
	}
	if len(a.pendingUnreliable) > 0 {
		if blob, err := definitions.EncodeUpdates(a.pendingUnreliable); err == nil {
			a.tc.Update(blob, true)
		}
		a.pendingUnreliable = nil
	}
	a.lastSend = time.Now()
}
