package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/lifesync/internal/cachectl"
	"github.com/agentworkforce/lifesync/internal/config"
	"github.com/agentworkforce/lifesync/internal/gateway"
)

const gatewayFlushTimeout = 3 * time.Second

// send hands msg to the worker and returns once it has been written or
// dropped. The worker never acknowledges; a down worker loses the message.
func (a *app) send(cmd *cobra.Command, msg gateway.Message) error {
	ws := gateway.NewWSClient(gateway.WSClientOptions{
		URL:    a.gatewayURL(),
		Logger: &a.log,
	})
	client := gateway.NewClient(&a.log)
	client.Attach(ws)
	sendErr := client.Send(msg)

	ctx, cancel := context.WithTimeout(cmd.Context(), gatewayFlushTimeout)
	defer cancel()
	client.Detach()
	if err := ws.Close(ctx); err != nil {
		a.log.Debug().Err(err).Msg("gateway client close")
	}
	if sendErr != nil {
		return fmt.Errorf("send %s: %w", msg.Type, sendErr)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.Type)
	return nil
}

func (a *app) gatewayURL() string {
	return (&url.URL{Scheme: "ws", Host: a.cfg.WorkerAddr, Path: gateway.GatewayPath}).String()
}

func newRemindCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Schedule or clear reminders in the background worker",
		Long: `Schedule or clear reminders in the background worker.

Reminder files are JSONC objects keyed by reminder type (sleep, workout,
vocal, budget, reading), each with "enabled", "time" ("HH:MM") and
optional "days" (0 = Sunday). Scheduling replaces every armed reminder.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schedule <file>",
		Short: "Replace the worker's reminders with the ones in file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadReminderSettings(args[0])
			if err != nil {
				return err
			}
			msg, err := gateway.ScheduleNotifications(settings)
			if err != nil {
				return err
			}
			return a.send(cmd, msg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Cancel every armed reminder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd, gateway.ClearNotifications())
		},
	})
	return cmd
}

func newNotifyCmd(a *app) *cobra.Command {
	var payload gateway.ShowNotificationPayload
	var target string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Show a notification through the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target != "" {
				payload.Data = map[string]any{"url": target}
			}
			msg, err := gateway.ShowNotification(payload)
			if err != nil {
				return err
			}
			return a.send(cmd, msg)
		},
	}
	cmd.Flags().StringVar(&payload.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&payload.Body, "body", "", "notification body")
	cmd.Flags().StringVar(&payload.Tag, "tag", "", "replace an earlier notification with the same tag")
	cmd.Flags().StringVar(&target, "url", "", "URL opened when the notification is clicked")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newOfflineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "offline <on|off>",
		Short:     "Toggle the worker's offline mode",
		Long:      "In offline mode cached responses are served without refreshing them in the background.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			msg, err := gateway.SetOfflineMode(enabled)
			if err != nil {
				return err
			}
			return a.send(cmd, msg)
		},
	}
}

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <url>",
		Short: "GET a URL through the worker's offline cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := url.URL{
				Scheme:   "http",
				Host:     a.cfg.WorkerAddr,
				Path:     "/fetch",
				RawQuery: url.Values{"url": {args[0]}}.Encode(),
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint.String(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("worker unreachable: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusGatewayTimeout {
				return fmt.Errorf("offline and %s is not cached", args[0])
			}
			if cache := resp.Header.Get(cachectl.CacheStatusHeader); cache != "" {
				a.log.Debug().Str("cache", cache).Str("url", args[0]).Msg("fetched")
			}
			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("fetch %s: status %d", args[0], resp.StatusCode)
			}
			return nil
		},
	}
}
