package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/lifesync/internal/cachectl"
	"github.com/agentworkforce/lifesync/internal/config"
	"github.com/agentworkforce/lifesync/internal/gateway"
	"github.com/agentworkforce/lifesync/internal/reminders"
)

const recentNotificationLimit = 50

// daemon wires the worker-side components around one gateway Worker.
type daemon struct {
	cfg           *config.Config
	log           zerolog.Logger
	storage       cachectl.Storage
	cache         *cachectl.Controller
	worker        *gateway.Worker
	notifications *notificationLog
	windows       *windowRegistry
}

func newDaemon(cfg *config.Config, logger zerolog.Logger) (*daemon, error) {
	storage, err := cachectl.OpenStorage(cfg.CacheDSN)
	if err != nil {
		return nil, err
	}
	notifications := &notificationLog{log: logger.With().Str("component", "notifier").Logger()}
	windows := &windowRegistry{log: logger.With().Str("component", "windows").Logger()}
	cache, err := cachectl.New(cachectl.Options{
		Version:   cfg.CacheVersion,
		ShellURLs: cfg.ShellURLs,
		DenyHosts: cfg.DenyHosts,
		Storage:   storage,
		Claimer:   windows,
		Logger:    &logger,
	})
	if err != nil {
		closeStorage(storage)
		return nil, err
	}
	worker := gateway.NewWorker(gateway.WorkerOptions{
		Notifier: notifications,
		Offline:  cache,
		Logger:   &logger,
	})
	return &daemon{
		cfg:           cfg,
		log:           logger.With().Str("component", "lifesync-worker").Logger(),
		storage:       storage,
		cache:         cache,
		worker:        worker,
		notifications: notifications,
		windows:       windows,
	}, nil
}

// start installs and activates the cache version and schedules reminders
// from the configured file. Failures are logged; the worker keeps serving.
func (rt *daemon) start(ctx context.Context) {
	if err := rt.cache.Install(ctx); err != nil {
		rt.log.Error().Err(err).Msg("cache install failed; previous version stays in charge")
	} else if err := rt.cache.Activate(ctx); err != nil {
		rt.log.Error().Err(err).Msg("cache activation failed")
	}
	if rt.cfg.RemindersFile == "" {
		return
	}
	settings, err := config.LoadReminderSettings(rt.cfg.RemindersFile)
	if err != nil {
		rt.log.Error().Err(err).Msg("loading reminder settings failed")
		return
	}
	msg, err := gateway.ScheduleNotifications(settings)
	if err != nil {
		rt.log.Error().Err(err).Msg("encoding reminder settings failed")
		return
	}
	if err := rt.worker.Deliver(msg); err != nil {
		rt.log.Error().Err(err).Msg("scheduling reminders failed")
	}
}

func (rt *daemon) routes() http.Handler {
	r := mux.NewRouter()
	r.Handle(gateway.GatewayPath, gateway.NewWSHandler(rt.worker, &rt.log))
	r.Handle("/fetch", rt.cache.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", rt.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/notifications", rt.handleNotifications).Methods(http.MethodGet)
	r.HandleFunc("/windows", rt.handleRegisterWindow).Methods(http.MethodPost)
	r.HandleFunc("/click", rt.handleClick).Methods(http.MethodPost)
	return r
}

func (rt *daemon) close() {
	closeStorage(rt.storage)
}

func closeStorage(storage cachectl.Storage) {
	if closer, ok := storage.(io.Closer); ok {
		_ = closer.Close()
	}
}

type healthResponse struct {
	Status    string                `json:"status"`
	Cache     cachectl.State        `json:"cache"`
	Version   string                `json:"version"`
	Offline   bool                  `json:"offline"`
	Reminders []reminders.Scheduled `json:"reminders"`
	Handled   uint64                `json:"handled"`
	Rejected  uint64                `json:"rejected"`
}

func (rt *daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := rt.worker.Scheduler().Active()
	if active == nil {
		active = []reminders.Scheduled{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Cache:     rt.cache.State(),
		Version:   rt.cache.Version(),
		Offline:   rt.cache.OfflineMode(),
		Reminders: active,
		Handled:   rt.worker.Handled(),
		Rejected:  rt.worker.Rejected(),
	})
}

func (rt *daemon) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": rt.notifications.recent()})
}

func (rt *daemon) handleRegisterWindow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url is required")
		return
	}
	window, _ := rt.windows.Open(r.Context(), body.URL)
	writeJSON(w, http.StatusCreated, map[string]string{"url": window.URL()})
}

func (rt *daemon) handleClick(w http.ResponseWriter, r *http.Request) {
	var n reminders.Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid notification body")
		return
	}
	before := rt.windows.count()
	window, err := gateway.HandleClick(r.Context(), rt.windows, rt.cfg.AppScope, n, func() {
		rt.notifications.dismiss(n.Tag)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	action := "focus"
	if rt.windows.count() > before {
		action = "open"
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": action, "url": window.URL()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

type shownNotification struct {
	reminders.Notification
	ShownAt   time.Time `json:"shownAt"`
	Dismissed bool      `json:"dismissed"`
}

// notificationLog is the worker's display surface: notifications are logged
// and the most recent ones kept for GET /notifications.
type notificationLog struct {
	mu    sync.Mutex
	items []shownNotification
	log   zerolog.Logger
}

func (l *notificationLog) Notify(n reminders.Notification) error {
	l.log.Info().Str("title", n.Title).Str("tag", n.Tag).Str("url", n.URL()).Msg("notification shown")
	l.mu.Lock()
	defer l.mu.Unlock()
	if n.Tag != "" {
		// Same tag replaces the previous notification.
		kept := l.items[:0]
		for _, item := range l.items {
			if item.Tag != n.Tag {
				kept = append(kept, item)
			}
		}
		l.items = kept
	}
	l.items = append(l.items, shownNotification{Notification: n, ShownAt: time.Now().UTC()})
	if len(l.items) > recentNotificationLimit {
		l.items = append([]shownNotification(nil), l.items[len(l.items)-recentNotificationLimit:]...)
	}
	return nil
}

func (l *notificationLog) dismiss(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		if l.items[i].Tag == tag {
			l.items[i].Dismissed = true
		}
	}
}

func (l *notificationLog) recent() []shownNotification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]shownNotification{}, l.items...)
}

type appWindow struct {
	url      string
	registry *windowRegistry
}

func (w *appWindow) URL() string {
	return w.url
}

func (w *appWindow) Focus(context.Context) error {
	w.registry.log.Info().Str("url", w.url).Msg("window focused")
	return nil
}

// windowRegistry tracks the application windows that announced themselves
// to the worker.
type windowRegistry struct {
	mu      sync.Mutex
	windows []*appWindow
	log     zerolog.Logger
}

func (r *windowRegistry) List(context.Context) ([]gateway.Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]gateway.Window, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, w)
	}
	return out, nil
}

func (r *windowRegistry) Open(_ context.Context, rawURL string) (gateway.Window, error) {
	window := &appWindow{url: rawURL, registry: r}
	r.mu.Lock()
	r.windows = append(r.windows, window)
	r.mu.Unlock()
	r.log.Info().Str("url", rawURL).Msg("window opened")
	return window, nil
}

// Claim is called when a new cache version activates.
func (r *windowRegistry) Claim(context.Context) error {
	r.log.Info().Int("windows", r.count()).Msg("claimed open windows")
	return nil
}

func (r *windowRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
