// Command processor runs the MamIRC Processor: the stateful process that
// attaches to a Connector's Control Port, replays and interprets the
// event journal into per-window chat state, and serves the HTTP API a web
// client polls and posts actions to (spec.md section 2/4).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mamirc/mamirc/internal/api"
	"github.com/mamirc/mamirc/internal/config"
	"github.com/mamirc/mamirc/internal/connmgr"
	"github.com/mamirc/mamirc/internal/constants"
	"github.com/mamirc/mamirc/internal/logger"
	"github.com/mamirc/mamirc/internal/processor"
	"github.com/mamirc/mamirc/internal/profile"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.json>\n", os.Args[0])
		return 1
	}

	cfg, err := config.LoadProcessorConfig(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "processor: %v\n", err)
		return 1
	}
	logger.Init("processor", cfg.Debug)

	profiles, err := profile.Load(cfg.ProfilesPath)
	if err != nil {
		logger.Log.Error().Err(err).Msg("processor: load profiles")
		return 1
	}

	client, err := connmgr.DialAttach(cfg.ControlAddress, cfg.ControlPassword)
	if err != nil {
		logger.Log.Error().Err(err).Msg("processor: attach to control port")
		return 2
	}
	defer client.Close()

	proc := processor.New(client, profiles)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- proc.Run(ctx) }()
	go namesRefreshLoop(ctx, proc)

	apiServer := api.New(proc, cfg.WebPasswordHash)
	httpServer := &http.Server{Addr: cfg.WebListenAddress, Handler: apiServer.Handler()}
	httpErr := make(chan error, 1)
	go func() {
		logger.Log.Info().Str("listen", cfg.WebListenAddress).Msg("processor: starting web API")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
			return
		}
		httpErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil {
			logger.Log.Error().Err(err).Msg("processor: web API")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	proc.Stop()

	if err := <-runErr; err != nil {
		logger.Log.Error().Err(err).Msg("processor: run loop")
		return 2
	}
	logger.Log.Info().Msg("processor: shut down cleanly")
	return 0
}

// namesRefreshLoop drives the daily NAMES-refresh sweep (spec.md section
// 10 supplemented feature) until ctx is canceled.
func namesRefreshLoop(ctx context.Context, proc *processor.Processor) {
	ticker := time.NewTicker(constants.NamesRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			proc.NamesRefresh()
		}
	}
}
