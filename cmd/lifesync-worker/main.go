package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/lifesync/internal/config"
	"github.com/agentworkforce/lifesync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr, remindersFile string
	cmd := &cobra.Command{
		Use:   "lifesync-worker",
		Short: "Run the background worker",
		Long: `Run the background worker that outlives the foreground app.

It owns the reminder timers, displays notifications, and answers
offline-cache fetches. Foreground processes reach it over the websocket
gateway at ws://<addr>/gateway.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.WorkerAddr = addr
			}
			if cmd.Flags().Changed("reminders") {
				cfg.RemindersFile = remindersFile
			}
			logger := logging.NewWithWriter(os.Stderr, "lifesync-worker", cfg.LogLevel)
			cfg.LogSummary(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newDaemon(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(ctx, rt)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address (overrides LIFESYNC_WORKER_ADDR)")
	cmd.Flags().StringVar(&remindersFile, "reminders", "", "JSONC reminder settings to schedule at start")
	return cmd
}

func serve(ctx context.Context, rt *daemon) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- rt.worker.Run(runCtx)
	}()
	rt.start(runCtx)

	srv := &http.Server{
		Addr:              rt.cfg.WorkerAddr,
		Handler:           rt.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		rt.log.Info().Str("addr", rt.cfg.WorkerAddr).Msg("lifesync-worker listening")
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("worker server failed: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		rt.log.Info().Msg("lifesync-worker shutting down")
		serveErr = srv.Shutdown(shutdownCtx)
	}
	cancel()
	<-workerDone
	rt.cache.Wait()
	return serveErr
}
