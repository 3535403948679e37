// Skydeck-rendezvous — the public matchmaking server.
//
// Hosts register here to get a session id; joiners present the id and both
// sides are told each other's public address for hole punching. Sessions
// live in a sqlite file so a restart does not strand registered hosts.
package main

import (
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"github.com/evharten/skydeck/internal/rendezvous"
	"github.com/evharten/skydeck/internal/util"
)

var version = "1.0.0-dev"

func main() {
	app := &cli.App{
		Name:    "skydeck-rendezvous",
		Usage:   "session matchmaking and NAT hole-punch coordination",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "UDP address to serve on",
				Value: ":35555",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "sqlite session database (\":memory:\" for ephemeral)",
				Value: "sessions.db",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		util.EnableDebug()
	}

	store, err := rendezvous.OpenStore(c.String("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := rendezvous.NewServer(c.String("listen"), store)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		util.LogInfo("shutting down")
		srv.Close()
	}()

	return srv.Run()
}
