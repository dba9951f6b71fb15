// Command connector runs the MamIRC Connector: the small always-on
// process that owns live IRC sockets, journals every event durably, and
// exposes the Control Port a Processor attaches to (spec.md section 2/4).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mamirc/mamirc/internal/config"
	"github.com/mamirc/mamirc/internal/connmgr"
	"github.com/mamirc/mamirc/internal/events"
	"github.com/mamirc/mamirc/internal/journal"
	"github.com/mamirc/mamirc/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.json>\n", os.Args[0])
		return 1
	}

	cfg, err := config.LoadConnectorConfig(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "connector: %v\n", err)
		return 1
	}
	logger.Init("connector", cfg.Debug)

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Log.Error().Err(err).Msg("connector: open journal")
		return 2
	}
	defer j.Close()

	bus := events.NewBus()
	manager := connmgr.NewManager(j, bus)
	defer manager.Terminate()

	control := connmgr.NewControlServer(cfg.ListenAddress, cfg.ControlPassword, manager, j)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log.Info().Str("listen", cfg.ListenAddress).Msg("connector: starting control port")
	if err := control.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		logger.Log.Error().Err(err).Msg("connector: control port")
		return 2
	}
	logger.Log.Info().Msg("connector: shut down cleanly")
	return 0
}
