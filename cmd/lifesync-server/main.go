package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/lifesync/internal/config"
	"github.com/agentworkforce/lifesync/internal/httpapi"
	"github.com/agentworkforce/lifesync/internal/logging"
	"github.com/agentworkforce/lifesync/internal/syncengine"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr, remoteDSN string
	cmd := &cobra.Command{
		Use:   "lifesync-server",
		Short: "Serve the user_data sync API",
		Long: `Serve the user_data sync API used by "lifesync sync".

Rows live in the backend named by LIFESYNC_REMOTE_DSN (postgres:// or
memory://). Clients authenticate with HS256 bearer tokens signed with
LIFESYNC_JWT_SECRET; see "lifesync-server token".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = addr
			}
			if cmd.Flags().Changed("remote") {
				cfg.RemoteDSN = remoteDSN
			}
			logger := logging.NewWithWriter(os.Stderr, "lifesync-server", cfg.LogLevel)
			cfg.LogSummary(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (overrides LIFESYNC_LISTEN_ADDR)")
	cmd.Flags().StringVar(&remoteDSN, "remote", "", "row backend DSN (overrides LIFESYNC_REMOTE_DSN)")
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func buildRemote(dsn string) (syncengine.Remote, error) {
	remote, err := syncengine.BuildRemoteFromDSN(dsn, syncengine.RemoteOptions{})
	if err != nil {
		return nil, err
	}
	if _, ok := remote.(*syncengine.HTTPRemote); ok {
		return nil, fmt.Errorf("server row backend must be postgres:// or memory://, got %q", dsn)
	}
	return remote, nil
}

func newServer(cfg *config.Config, remote syncengine.Remote, logger zerolog.Logger) *httpapi.Server {
	return httpapi.NewServerWithConfig(remote, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		APIKey:          cfg.APIKey,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          &logger,
	})
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	remote, err := buildRemote(cfg.RemoteDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize row backend: %w", err)
	}
	defer func() {
		if err := syncengine.CloseRemote(remote); err != nil {
			logger.Warn().Err(err).Msg("closing row backend failed")
		}
	}()
	if cfg.JWTSecret == "dev-secret" {
		logger.Warn().Msg("using the default development JWT secret")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newServer(cfg, remote, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("lifesync-server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info().Msg("lifesync-server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newTokenCmd() *cobra.Command {
	var req httpapi.TokenRequest
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		Long: `Mint an HS256 bearer token signed with LIFESYNC_JWT_SECRET.

The token subject is the user id that owns the synced rows.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return printToken(cmd.OutOrStdout(), cfg.JWTSecret, req, time.Now())
		},
	}
	cmd.Flags().StringVar(&req.Subject, "user-id", "", "user id (token subject)")
	cmd.Flags().StringVar(&req.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&req.Username, "username", "", "username claim")
	cmd.Flags().DurationVar(&req.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func printToken(w io.Writer, secret string, req httpapi.TokenRequest, now time.Time) error {
	token, err := httpapi.IssueToken(secret, req, now)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
