package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/lifesync/internal/lifestore"
	"github.com/agentworkforce/lifesync/internal/syncengine"
)

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local store with the remote user_data rows",
		Long: `Synchronize the local store with the remote user_data rows.

A pull merges each remote namespace into the local one with remote keys
winning. A push upserts one row per non-empty namespace. "sync watch"
keeps both directions running until interrupted.`,
	}
	cmd.AddCommand(newSyncOpCmd(a, "pull", "Merge remote rows into the local store", (*syncengine.Engine).PullAll))
	cmd.AddCommand(newSyncOpCmd(a, "push", "Upsert every non-empty local namespace", (*syncengine.Engine).PushAll))
	cmd.AddCommand(newSyncOpCmd(a, "full", "Pull, then push", (*syncengine.Engine).FullSync))
	cmd.AddCommand(newSyncStatusCmd(a))
	cmd.AddCommand(newSyncWatchCmd(a))
	return cmd
}

func newSyncOpCmd(a *app, use, short string, op func(*syncengine.Engine, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(_ *lifestore.Store, engine *syncengine.Engine) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.PushTimeout)
				defer cancel()
				if err := op(engine, ctx); err != nil {
					return fmt.Errorf("sync %s failed: %w", use, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sync %s complete\n", use)
				return nil
			})
		},
	}
}

func newSyncStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in user and the configured remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *lifestore.Store) error {
				out := cmd.OutOrStdout()
				session := syncengine.NewSessions(store).Load()
				if session.Valid() {
					fmt.Fprintf(out, "Status: Signed in\nUser ID: %s\n", session.UserID)
					if session.Email != "" {
						fmt.Fprintf(out, "Email: %s\n", session.Email)
					}
				} else {
					fmt.Fprintln(out, "Status: Signed out")
				}
				remote := a.cfg.RemoteDSN
				if remote == "" {
					remote, _ = syncengine.RemoteSettings(store)
				}
				if remote == "" {
					remote = "(none)"
				}
				fmt.Fprintf(out, "Remote: %s\n", remote)
				return nil
			})
		},
	}
}

func newSyncWatchCmd(a *app) *cobra.Command {
	var (
		interval       time.Duration
		intervalJitter float64
		once           bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the store in sync until interrupted",
		Long: `Keep the store in sync until interrupted.

Runs a full sync on a jittered interval and pushes (debounced) whenever
a namespace file changes, including edits from other lifesync processes.
The store directory is locked for the lifetime of the watcher.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				interval = 5 * time.Minute
			}
			intervalJitter = clampJitterRatio(intervalJitter)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.withEngine(func(store *lifestore.Store, engine *syncengine.Engine) error {
				return a.watch(ctx, store, engine, interval, intervalJitter, once)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "full sync interval")
	cmd.Flags().Float64Var(&intervalJitter, "interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	cmd.Flags().BoolVar(&once, "once", false, "run one full sync and exit")
	return cmd
}

func (a *app) watch(ctx context.Context, store *lifestore.Store, engine *syncengine.Engine, interval time.Duration, jitter float64, once bool) error {
	edits := newExternalEdits()
	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, a.cfg.PushTimeout)
		defer cancel()
		err := engine.FullSync(runCtx)
		edits.remember(store)
		if err != nil {
			a.log.Warn().Err(err).Msg("full sync cycle failed")
			return
		}
		a.log.Info().Msg("full sync cycle completed")
	}

	dir, durable := a.cfg.StoreDir()
	if durable && !once {
		lock, err := lifestore.AcquireDirLock(dir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	run()
	if once {
		return nil
	}

	if durable {
		watcher, err := lifestore.NewWatcher(dir, a.log)
		if err != nil {
			return fmt.Errorf("watch store directory: %w", err)
		}
		go func() {
			err := watcher.Run(ctx, func(ns lifestore.Namespace) {
				if edits.changed(store, ns) {
					engine.DebouncedPush(0)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn().Err(err).Msg("store watcher stopped")
			}
		}()
	}
	engine.EnableAutoSync()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("sync watch stopping")
			return nil
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

// externalEdits tells file events caused by other processes apart from the
// ones a pull just wrote, by comparing namespace content.
type externalEdits struct {
	mu   sync.Mutex
	seen map[lifestore.Namespace]string
}

func newExternalEdits() *externalEdits {
	return &externalEdits{seen: map[lifestore.Namespace]string{}}
}

func (e *externalEdits) remember(store *lifestore.Store) {
	snapshot := store.ExportAll()
	e.mu.Lock()
	defer e.mu.Unlock()
	for ns, obj := range snapshot {
		e.seen[ns] = fingerprint(obj)
	}
}

func (e *externalEdits) changed(store *lifestore.Store, ns lifestore.Namespace) bool {
	current := fingerprint(store.GetAll(ns))
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[ns] == current {
		return false
	}
	e.seen[ns] = current
	return true
}

func fingerprint(obj lifestore.Object) string {
	data, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(data)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func newLoginCmd(a *app) *cobra.Command {
	var session syncengine.Session
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and pull remote data",
		Long: `Sign in and pull remote data.

The session is stored in the identity namespace on this device only; it
is never pushed. Remote rows are merged before any other command reads
the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(_ *lifestore.Store, engine *syncengine.Engine) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.PushTimeout)
				defer cancel()
				if err := engine.Login(ctx, session); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", session.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session.UserID, "user-id", "", "user id")
	cmd.Flags().StringVar(&session.Email, "email", "", "email")
	cmd.Flags().StringVar(&session.Username, "username", "", "username")
	cmd.Flags().StringVar(&session.AccessToken, "token", "", "bearer token for the remote")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *lifestore.Store) error {
				syncengine.NewSessions(store).Logout()
				fmt.Fprintln(cmd.OutOrStdout(), "signed out")
				return nil
			})
		},
	}
}

func newRemoteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage the remote endpoint kept in the settings namespace",
	}
	var remoteURL, apiKey string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the remote URL and API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *lifestore.Store) error {
				syncengine.SaveRemoteSettings(store, remoteURL, apiKey)
				return nil
			})
		},
	}
	set.Flags().StringVar(&remoteURL, "url", "", "remote base URL")
	set.Flags().StringVar(&apiKey, "api-key", "", "remote API key")
	_ = set.MarkFlagRequired("url")
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored remote URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *lifestore.Store) error {
				storedURL, storedKey := syncengine.RemoteSettings(store)
				fmt.Fprintf(cmd.OutOrStdout(), "URL: %s\nAPI key set: %t\n", storedURL, storedKey != "")
				return nil
			})
		},
	}
	cmd.AddCommand(set, show)
	return cmd
}
