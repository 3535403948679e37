// Package app runs the top-level application loop: one 10ms tick that
// drains shell requests, session messages, and simulator changes, and keeps
// the three in agreement about who controls the aircraft.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/evharten/skydeck/internal/config"
	"github.com/evharten/skydeck/internal/definitions"
	"github.com/evharten/skydeck/internal/registry"
	"github.com/evharten/skydeck/internal/session"
	"github.com/evharten/skydeck/internal/sim"
	"github.com/evharten/skydeck/internal/ui"
	"github.com/evharten/skydeck/internal/update"
	"github.com/evharten/skydeck/internal/util"
)

const (
	tickInterval = 10 * time.Millisecond
	// readyDelay is how long after connecting we wait before exchanging
	// live state, giving the simulator time to settle.
	readyDelay = 3 * time.Second
)

// Options carries everything the loop needs from the entry point.
type Options struct {
	Version     string
	ConfigPath  string
	AircraftDir string
	Connector   sim.Connector
	Bridge      *ui.Bridge
}

// App is the application state machine. Single-goroutine: Run owns
// everything in here.
type App struct {
	version     string
	cfgPath     string
	aircraftDir string

	cfg     config.Config
	bridge  *ui.Bridge
	defs    *definitions.Definitions
	clients *registry.ClientManager
	updater *update.Updater

	tc session.TransferClient // nil while disconnected

	inControl   bool
	observing   bool
	ready       bool
	connectedAt time.Time

	lastSend          time.Time
	pendingReliable   []sim.VarUpdate
	pendingUnreliable []sim.VarUpdate
}

// New builds the app around its collaborators and the persisted config.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &App{
		version:     opts.Version,
		cfgPath:     opts.ConfigPath,
		aircraftDir: opts.AircraftDir,
		cfg:         cfg,
		bridge:      opts.Bridge,
		defs:        definitions.New(opts.Connector),
		clients:     registry.NewClientManager(),
		updater:     update.NewUpdater(),
	}, nil
}

// Run ticks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.tc != nil {
				a.tc.Stop("Stopped.")
			}
			return nil
		case <-ticker.C:
		}

		a.drainShell()
		a.drainSession()
		a.tickSim()
	}
}

// drainShell handles every queued shell request.
func (a *App) drainShell() {
	for {
		msg, ok := a.bridge.NextMessage()
		if !ok {
			return
		}
		a.handleShellMessage(msg)
	}
}

func (a *App) handleShellMessage(msg ui.AppMessage) {
	switch msg.Kind {
	case ui.MsgStartup:
		a.startup()

	case ui.MsgStartClient:
		a.startClient(msg)

	case ui.MsgStartServer:
		a.startServer(msg)

	case ui.MsgDisconnect:
		if a.tc != nil {
			a.tc.Stop("Stopped.")
		}

	case ui.MsgTransferControl:
		if a.tc != nil && a.inControl {
			a.tc.TransferControl(msg.Target)
		}

	case ui.MsgForceTakeControl:
		if a.tc != nil && !a.inControl {
			a.tc.TakeControl(a.clients.InControl())
		}

	case ui.MsgSetObserver:
		// The hosting endpoint itself can never be toggled into observing.
		if a.tc != nil && a.tc.IsHost() && !a.clients.ClientIsServer(msg.Target) {
			a.clients.SetObserver(msg.Target, msg.Observer)
			a.tc.SetObserver(msg.Target, msg.Observer)
		}

	case ui.MsgLoadAircraft:
		path := definitions.Path(a.aircraftDir, msg.Aircraft)
		if err := a.defs.Load(path); err != nil {
			a.bridge.Invoke(ui.InvokeError, map[string]string{"message": err.Error()})
			return
		}
		a.cfg.LastAircraft = msg.Aircraft
		a.saveConfig()

	case ui.MsgUpdateConfig:
		if msg.Config != nil {
			a.cfg = *msg.Config
			a.saveConfig()
		}

	default:
		util.LogWarning("unknown shell message %q", msg.Kind)
	}
}

// startup answers the shell's initial sync request: version, stored config,
// the aircraft list, and (async) the update check.
func (a *App) startup() {
	a.bridge.Invoke(ui.InvokeVersion, map[string]string{"version": a.version})
	a.bridge.Invoke(ui.InvokeSetIP, map[string]string{"ip": a.cfg.IP})
	a.bridge.Invoke(ui.InvokeSetPort, map[string]int{"port": a.cfg.Port})

	names, err := definitions.ListAircraft(a.aircraftDir)
	if err != nil {
		util.LogWarning("could not list aircraft configs: %v", err)
	}
	for _, name := range names {
		a.bridge.Invoke(ui.InvokeAddAircraft, map[string]string{"name": name})
	}
	if a.cfg.LastAircraft != "" {
		if err := a.defs.Load(definitions.Path(a.aircraftDir, a.cfg.LastAircraft)); err != nil {
			util.LogWarning("could not reload last aircraft: %v", err)
		}
	}

	go func(current string, betas bool) {
		newer, err := a.updater.Check(current, betas)
		if err != nil {
			util.LogWarning("update check failed: %v", err)
			return
		}
		if newer != "" {
			a.bridge.Invoke(ui.InvokeVersion, map[string]string{"newest": newer})
		}
	}(a.version, a.cfg.CheckForBetas)
}

func (a *App) startClient(msg ui.AppMessage) {
	if a.tc != nil {
		a.bridge.Invoke(ui.InvokeClientFail, failData("Already connected."))
		return
	}
	name := msg.Name
	if name == "" {
		name = a.cfg.Name
	}
	cl := session.NewClient(name, a.version, a.sessionConfig())

	var err error
	switch msg.Method {
	case ui.MethodDirect:
		a.cfg.IP, a.cfg.Port = msg.IP, msg.Port
		err = cl.Start(msg.IP, msg.Port)
	case ui.MethodHolePunch:
		err = cl.StartWithHolePunch(msg.SessionID, a.rendezvousAddr())
	case ui.MethodRelay:
		err = cl.StartWithRelay(a.rendezvousAddr())
	default:
		err = fmt.Errorf("unknown connection method %q", msg.Method)
	}
	if err != nil {
		a.bridge.Invoke(ui.InvokeClientFail, failData(err.Error()))
		return
	}

	a.tc = cl
	a.cfg.Name = name
	a.saveConfig()
	a.bridge.Invoke(ui.InvokeAttempt, nil)
}

func (a *App) startServer(msg ui.AppMessage) {
	if a.tc != nil {
		a.bridge.Invoke(ui.InvokeServerFail, failData("Already connected."))
		return
	}
	name := msg.Name
	if name == "" {
		name = a.cfg.Name
	}
	srv := session.NewServer(name, a.version, a.sessionConfig())

	var err error
	switch msg.Method {
	case ui.MethodDirect:
		port := msg.Port
		if port == 0 {
			port = a.cfg.Port
		}
		a.cfg.Port = port
		err = srv.Start(port)
	case ui.MethodHolePunch:
		err = srv.StartWithHolePunch(a.rendezvousAddr())
	case ui.MethodRelay:
		// Relay hosting runs through a Client promoted by SetHost.
		cl := session.NewClient(name, a.version, a.sessionConfig())
		if err := cl.StartWithRelay(a.rendezvousAddr()); err != nil {
			a.bridge.Invoke(ui.InvokeServerFail, failData(err.Error()))
			return
		}
		a.tc = cl
		a.cfg.Name = name
		a.saveConfig()
		return
	default:
		err = fmt.Errorf("unknown connection method %q", msg.Method)
	}
	if err != nil {
		a.bridge.Invoke(ui.InvokeServerFail, failData(err.Error()))
		return
	}

	a.tc = srv
	a.cfg.Name = name
	a.saveConfig()
}

func (a *App) sessionConfig() session.Config {
	return session.Config{ConnTimeout: time.Duration(a.cfg.ConnTimeout) * time.Second}
}

func (a *App) rendezvousAddr() string {
	return a.cfg.RendezvousAddr
}

func (a *App) saveConfig() {
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		util.LogWarning("could not save config: %v", err)
	}
}

func failData(reason string) map[string]string {
	return map[string]string{"reason": reason}
}

// reset tears session state down after a disconnect.
func (a *App) reset() {
	a.tc = nil
	a.clients.Reset()
	a.inControl = false
	a.observing = false
	a.ready = false
	a.pendingReliable = nil
	a.pendingUnreliable = nil
}
