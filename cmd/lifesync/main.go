package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/lifesync/internal/config"
	"github.com/agentworkforce/lifesync/internal/lifestore"
	"github.com/agentworkforce/lifesync/internal/logging"
	"github.com/agentworkforce/lifesync/internal/syncengine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the resolved configuration shared by every subcommand.
type app struct {
	storeDSN  string
	remoteDSN string
	worker    string

	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "lifesync",
		Short: "Local-first life dashboard data",
		Long: `lifesync keeps planner, fitness, finance, reading, sleep and other
dashboard data in a local namespaced store, syncs it with a remote
user_data service, and talks to the background worker that owns
reminders and the offline cache.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&a.storeDSN, "store", "", "local store DSN (overrides LIFESYNC_STORE_DSN)")
	cmd.PersistentFlags().StringVar(&a.remoteDSN, "remote", "", "remote DSN (overrides LIFESYNC_REMOTE_DSN)")
	cmd.PersistentFlags().StringVar(&a.worker, "worker", "", "worker address (overrides LIFESYNC_WORKER_ADDR)")

	cmd.AddCommand(newStoreCmd(a))
	cmd.AddCommand(newSyncCmd(a))
	cmd.AddCommand(newLoginCmd(a))
	cmd.AddCommand(newLogoutCmd(a))
	cmd.AddCommand(newRemoteCmd(a))
	cmd.AddCommand(newRemindCmd(a))
	cmd.AddCommand(newNotifyCmd(a))
	cmd.AddCommand(newOfflineCmd(a))
	cmd.AddCommand(newFetchCmd(a))
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(a.storeDSN) != "" {
		cfg.StoreDSN = a.storeDSN
	}
	if strings.TrimSpace(a.remoteDSN) != "" {
		cfg.RemoteDSN = a.remoteDSN
	}
	if strings.TrimSpace(a.worker) != "" {
		cfg.WorkerAddr = a.worker
	}
	a.cfg = cfg
	a.log = logging.NewWithWriter(cmd.ErrOrStderr(), "lifesync", cfg.LogLevel)
	return nil
}

func (a *app) openStore() (*lifestore.Store, error) {
	backend, err := lifestore.BuildBackendFromDSN(a.cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", a.cfg.StoreDSN, err)
	}
	return lifestore.NewStore(lifestore.StoreOptions{Backend: backend, Logger: &a.log}), nil
}

// openEngine resolves the remote from flags, environment, then the
// settings namespace, in that order.
func (a *app) openEngine(store *lifestore.Store) (*syncengine.Engine, func(), error) {
	sessions := syncengine.NewSessions(store)
	dsn, apiKey := a.cfg.RemoteDSN, a.cfg.APIKey
	if dsn == "" || apiKey == "" {
		storedURL, storedKey := syncengine.RemoteSettings(store)
		if dsn == "" {
			dsn = storedURL
		}
		if apiKey == "" {
			apiKey = storedKey
		}
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("no remote configured: set LIFESYNC_REMOTE_DSN, pass --remote, or run \"lifesync remote set\"")
	}
	remote, err := syncengine.BuildRemoteFromDSN(dsn, syncengine.RemoteOptions{APIKey: apiKey, Token: sessions.Token})
	if err != nil {
		return nil, nil, err
	}
	engine, err := syncengine.New(syncengine.Options{
		Store:         store,
		Remote:        remote,
		Sessions:      sessions,
		DebounceDelay: a.cfg.DebounceDelay,
		PushTimeout:   a.cfg.PushTimeout,
		Logger:        &a.log,
	})
	if err != nil {
		_ = syncengine.CloseRemote(remote)
		return nil, nil, err
	}
	cleanup := func() {
		engine.Close()
		if err := syncengine.CloseRemote(remote); err != nil {
			a.log.Warn().Err(err).Msg("closing remote failed")
		}
	}
	return engine, cleanup, nil
}

// withStore opens the store for the duration of fn.
func (a *app) withStore(fn func(store *lifestore.Store) error) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (a *app) withEngine(fn func(store *lifestore.Store, engine *syncengine.Engine) error) error {
	return a.withStore(func(store *lifestore.Store) error {
		engine, cleanup, err := a.openEngine(store)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(store, engine)
	})
}
