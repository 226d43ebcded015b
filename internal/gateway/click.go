package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/lifesync/internal/reminders"
)

type Window interface {
	URL() string
	Focus(ctx context.Context) error
}

// Windows is the platform's view of open application windows.
type Windows interface {
	List(ctx context.Context) ([]Window, error)
	Open(ctx context.Context, rawURL string) (Window, error)
}

// HandleClick dismisses the notification, then focuses the first open window
// under scope or opens one at the notification's URL. It touches at most one
// window.
func HandleClick(ctx context.Context, windows Windows, scope string, n reminders.Notification, dismiss func()) (Window, error) {
	if dismiss != nil {
		dismiss()
	}
	base, err := url.Parse(scope)
	if err != nil {
		return nil, fmt.Errorf("parse app scope: %w", err)
	}
	open, err := windows.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	for _, window := range open {
		if withinScope(base, window.URL()) {
			if err := window.Focus(ctx); err != nil {
				return nil, fmt.Errorf("focus window: %w", err)
			}
			return window, nil
		}
	}
	destination := base.String()
	if raw := n.URL(); raw != reminders.DefaultURL {
		if target, err := url.Parse(raw); err == nil {
			destination = base.ResolveReference(target).String()
		}
	}
	window, err := windows.Open(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("open window: %w", err)
	}
	return window, nil
}

func withinScope(base *url.URL, raw string) bool {
	candidate, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !strings.EqualFold(candidate.Scheme, base.Scheme) || !strings.EqualFold(candidate.Host, base.Host) {
		return false
	}
	prefix := base.Path
	if prefix == "" {
		prefix = "/"
	}
	return strings.HasPrefix(candidate.Path, prefix) || candidate.Path+"/" == prefix
}
