package reminders

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/lifesync/internal/clock"
)

type SchedulerOptions struct {
	Clock    clock.Clock
	Notifier Notifier
	Logger   *zerolog.Logger
}

// Scheduler keeps at most one armed timer per reminder type. Schedule and
// Clear bump a generation counter under the lock a timer callback checks
// before delivering, so no callback that has not started yet can notify once
// either call has returned. Delivery itself runs outside the lock.
type Scheduler struct {
	mu         sync.Mutex
	clock      clock.Clock
	notifier   Notifier
	log        zerolog.Logger
	generation uint64
	armed      map[Type]*armedReminder
	fired      uint64
}

type armedReminder struct {
	kind       Type
	cfg        Config
	fireAt     time.Time
	generation uint64
	timer      clock.Timer
}

type Scheduled struct {
	Type   Type      `json:"type"`
	FireAt time.Time `json:"fireAt"`
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) error { return nil })
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Scheduler{
		clock:    clk,
		notifier: notifier,
		log:      logger.With().Str("component", "reminders").Logger(),
		armed:    map[Type]*armedReminder{},
	}
}

// Schedule replaces every armed reminder with one per enabled entry in settings.
func (s *Scheduler) Schedule(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	for kind := range settings {
		if _, ok := messages[kind]; !ok {
			s.log.Warn().Str("type", string(kind)).Msg("skipping unknown reminder type")
		}
	}
	for _, kind := range Types {
		cfg, ok := settings[kind]
		if !ok || !cfg.Enabled {
			continue
		}
		s.armLocked(kind, cfg, s.clock.Now())
	}
	s.log.Debug().Int("armed", len(s.armed)).Msg("reminders scheduled")
}

func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler) Active() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scheduled, 0, len(s.armed))
	for kind, armed := range s.armed {
		out = append(out, Scheduled{Type: kind, FireAt: armed.fireAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].Type < out[j].Type
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Fired reports how many notifications have been delivered.
func (s *Scheduler) Fired() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *Scheduler) cancelLocked() {
	for _, armed := range s.armed {
		armed.timer.Stop()
	}
	s.armed = map[Type]*armedReminder{}
	s.generation++
}

func (s *Scheduler) armLocked(kind Type, cfg Config, now time.Time) {
	next, err := NextFire(cfg, now)
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(kind)).Msg("reminder not armed")
		return
	}
	armed := &armedReminder{
		kind:       kind,
		cfg:        cfg,
		fireAt:     next,
		generation: s.generation,
	}
	armed.timer = s.clock.AfterFunc(next.Sub(s.clock.Now()), func() {
		s.fire(armed)
	})
	s.armed[kind] = armed
}

// fire delivers outside the lock and re-arms only if no Schedule or Clear
// happened during delivery.
func (s *Scheduler) fire(armed *armedReminder) {
	s.mu.Lock()
	if armed.generation != s.generation || s.armed[armed.kind] != armed {
		s.mu.Unlock()
		return
	}
	delete(s.armed, armed.kind)
	s.mu.Unlock()

	n, _ := NotificationFor(armed.kind)
	err := s.notifier.Notify(n)
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(armed.kind)).Msg("reminder notification failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.fired++
	}
	if armed.generation != s.generation || s.armed[armed.kind] != nil {
		return
	}
	now := s.clock.Now()
	if now.Before(armed.fireAt) {
		now = armed.fireAt
	}
	s.armLocked(armed.kind, armed.cfg, now)
}
