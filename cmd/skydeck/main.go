// Skydeck — shared-cockpit flight sessions over peer-to-peer UDP.
//
// Runs the application loop and the local WebSocket bridge the shell UI
// connects to. Sessions are established directly, through the rendezvous
// server (hole punching), or via a relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/evharten/skydeck/internal/app"
	"github.com/evharten/skydeck/internal/config"
	"github.com/evharten/skydeck/internal/sim"
	"github.com/evharten/skydeck/internal/ui"
	"github.com/evharten/skydeck/internal/util"
)

var version = "1.0.0-dev"

func main() {
	cliApp := &cli.App{
		Name:    "skydeck",
		Usage:   "shared-cockpit flight sessions over peer-to-peer UDP",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the config file (default: ~/.skydeck/config.json)",
			},
			&cli.StringFlag{
				Name:  "aircraft-dir",
				Usage: "directory of aircraft definition files",
				Value: "definitions/aircraft",
			},
			&cli.IntFlag{
				Name:  "ui-port",
				Usage: "local port for the shell UI bridge (0 = ephemeral)",
				Value: 0,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := cliApp.Run(os.Args); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		util.EnableDebug()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfgPath := c.String("config")
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}

	bridge := ui.NewBridge()
	uiPort, err := bridge.Start(fmt.Sprintf("127.0.0.1:%d", c.Int("ui-port")))
	if err != nil {
		return err
	}
	defer bridge.Close()

	pterm.Info.Println(fmt.Sprintf("Skydeck — v%s", version))
	util.LogInfo("shell bridge listening on ws://127.0.0.1:%d/ws", uiPort)

	// No simulator integration on this build; the stand-in keeps the loop
	// and the protocol fully functional.
	connector := sim.NewNullConnector()
	if err := connector.Connect(); err != nil {
		return err
	}

	a, err := app.New(app.Options{
		Version:     version,
		ConfigPath:  cfgPath,
		AircraftDir: c.String("aircraft-dir"),
		Connector:   connector,
		Bridge:      bridge,
	})
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx)
	return a.Run(ctx)
}
