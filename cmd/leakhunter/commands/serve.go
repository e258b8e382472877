package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/server"
)

// ServeCmd runs the long-lived service
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the API, scheduler, dispatch workers and periodic export",
	Long: `Start LeakHunter as a service: connectors run on their cadence, admitted
findings are dispatched to ticket sinks and streamed to websocket and NATS
subscribers, and the integrations API serves the event store.`,
	RunE: runServe,
}

var serveNoScheduler bool

func init() {
	ServeCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Serve the API and accept pushed findings without running connectors on their cadence")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Logger
	if err := checkAuth(cfg.Server); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.connectBus(); err != nil {
		return errors.Wrap(err, "failed to start NATS bus")
	}

	exporters := make(map[string]server.Exporter, len(a.exporters))
	for mode, ex := range a.exporters {
		exporters[mode] = ex
	}
	deps := server.Deps{
		Events:     a.events,
		Submitter:  a.pipeline,
		Scheduler:  a.orch,
		Calendar:   a.calendar,
		Exporters:  exporters,
		ExportMode: cfg.Export.Mode,
	}
	if a.webhooks != nil {
		deps.Webhooks = a.webhooks
	}
	srv := server.New(cfg.Server, deps, log)
	a.pipeline.AddObserver(srv.Hub())
	a.orch.AddBroadcaster(srv.Hub())

	a.dispatcher.Start(cfg.Dispatch.Workers)
	a.resumeDispatch(ctx)
	if !serveNoScheduler {
		a.orch.Start()
		a.calendar.Start()
	}
	if ex, ok := a.exporters[cfg.Export.Mode]; ok {
		ex.Start(cfg.Export.Interval())
	}

	printStartupBanner(cfg, a)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		sctx, scancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		defer scancel()
		err := srv.Shutdown(sctx)
		cancel()
		a.Close()
		shutdownDone <- err
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("LeakHunter stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}
