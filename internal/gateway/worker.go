package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/lifesync/internal/reminders"
)

const defaultInboxSize = 64

// OfflineSetter receives SET_OFFLINE_MODE; the cache controller implements it.
type OfflineSetter interface {
	SetOfflineMode(enabled bool)
}

type WorkerOptions struct {
	Scheduler *reminders.Scheduler
	Notifier  reminders.Notifier
	Offline   OfflineSetter
	InboxSize int
	Logger    *zerolog.Logger
}

// Worker is the background side of the gateway. Run drains its inbox on a
// single goroutine, so messages take effect strictly in arrival order.
type Worker struct {
	scheduler *reminders.Scheduler
	notifier  reminders.Notifier
	offline   OfflineSetter
	inbox     chan Message
	log       zerolog.Logger

	handled  atomic.Uint64
	rejected atomic.Uint64
}

func NewWorker(opts WorkerOptions) *Worker {
	size := opts.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = reminders.NotifierFunc(func(reminders.Notification) error { return nil })
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = reminders.NewScheduler(reminders.SchedulerOptions{Notifier: notifier, Logger: &logger})
	}
	return &Worker{
		scheduler: scheduler,
		notifier:  notifier,
		offline:   opts.Offline,
		inbox:     make(chan Message, size),
		log:       logger.With().Str("component", "gateway").Logger(),
	}
}

func (w *Worker) Scheduler() *reminders.Scheduler {
	return w.scheduler
}

// Deliver enqueues msg without blocking.
func (w *Worker) Deliver(msg Message) error {
	select {
	case w.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Run processes messages until ctx is done, then clears every armed reminder.
func (w *Worker) Run(ctx context.Context) error {
	defer w.scheduler.Clear()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-w.inbox:
			if err := w.handle(msg); err != nil {
				w.rejected.Add(1)
				w.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("dropping gateway message")
				continue
			}
			w.handled.Add(1)
		}
	}
}

// Handled counts messages dispatched successfully since start.
func (w *Worker) Handled() uint64 {
	return w.handled.Load()
}

func (w *Worker) Rejected() uint64 {
	return w.rejected.Load()
}

func (w *Worker) handle(msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	switch msg.Type {
	case TypeShowNotification:
		var p ShowNotificationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		n := reminders.NewNotification(p.Title, p.Body, p.Tag, p.Data)
		if err := w.notifier.Notify(n); err != nil {
			return fmt.Errorf("show notification: %w", err)
		}
	case TypeScheduleNotifications:
		var p ScheduleNotificationsPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		w.scheduler.Schedule(p.Reminders)
	case TypeClearNotifications:
		w.scheduler.Clear()
	case TypeSetOfflineMode:
		var p SetOfflineModePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if w.offline != nil {
			w.offline.SetOfflineMode(p.Enabled)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	w.log.Debug().Str("type", string(msg.Type)).Msg("gateway message handled")
	return nil
}
