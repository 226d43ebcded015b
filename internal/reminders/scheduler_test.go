package reminders

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/lifesync/internal/clock"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seen []Notification
	err  error
}

func (r *recordingNotifier) Notify(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seen = append(r.seen, n)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, n := range r.seen {
		out = append(out, n.Title)
	}
	return out
}

// 2024-01-02 is a Tuesday.
func tuesdayAt(hour, minute int) time.Time {
	return time.Date(2024, 1, 2, hour, minute, 0, 0, time.UTC)
}

func TestNextFire(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		now  time.Time
		want time.Time
	}{
		{
			name: "later today",
			cfg:  Config{Enabled: true, Time: "22:00"},
			now:  tuesdayAt(8, 0),
			want: tuesdayAt(22, 0),
		},
		{
			name: "already passed rolls to tomorrow",
			cfg:  Config{Enabled: true, Time: "07:00"},
			now:  tuesdayAt(8, 0),
			want: time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly now is not strictly after",
			cfg:  Config{Enabled: true, Time: "08:00"},
			now:  tuesdayAt(8, 0),
			want: time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "weekday filter skips to wednesday",
			cfg:  Config{Enabled: true, Time: "07:00", Days: []time.Weekday{time.Monday, time.Wednesday, time.Friday}},
			now:  tuesdayAt(8, 0),
			want: time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC),
		},
		{
			name: "weekday filter wraps the week",
			cfg:  Config{Enabled: true, Time: "07:00", Days: []time.Weekday{time.Monday}},
			now:  time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 8, 7, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextFire(tc.cfg, tc.now)
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "got %s want %s", got, tc.want)
		})
	}
}

func TestNextFireRejectsBadInput(t *testing.T) {
	_, err := NextFire(Config{Time: "25:00"}, tuesdayAt(8, 0))
	assert.True(t, errors.Is(err, ErrInvalidTime))

	_, err = NextFire(Config{Time: "7"}, tuesdayAt(8, 0))
	assert.True(t, errors.Is(err, ErrInvalidTime))

	_, err = NextFire(Config{Time: "07:00", Days: []time.Weekday{9}}, tuesdayAt(8, 0))
	assert.True(t, errors.Is(err, ErrInvalidDays))
}

func TestSchedulerFiresAndRearmsForNextDay(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})

	scheduler.Schedule(Settings{
		TypeWorkout: {Enabled: true, Time: "09:00"},
		TypeSleep:   {Enabled: false, Time: "22:00"},
	})
	active := scheduler.Active()
	require.Len(t, active, 1)
	assert.Equal(t, TypeWorkout, active[0].Type)
	assert.True(t, active[0].FireAt.Equal(tuesdayAt(9, 0)))

	clk.Advance(time.Hour)
	assert.Equal(t, []string{"Workout Time"}, notifier.titles())

	active = scheduler.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].FireAt.Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)))

	clk.Advance(24 * time.Hour)
	assert.Equal(t, []string{"Workout Time", "Workout Time"}, notifier.titles())
	assert.Equal(t, uint64(2), scheduler.Fired())
}

func TestSchedulerNotificationPayload(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})
	scheduler.Schedule(Settings{TypeBudget: {Enabled: true, Time: "08:30"}})

	clk.Advance(30 * time.Minute)
	require.Len(t, notifier.seen, 1)
	n := notifier.seen[0]
	assert.Equal(t, "Budget Check", n.Title)
	assert.Equal(t, "budget-reminder", n.Tag)
	assert.Equal(t, []int{200, 100, 200}, n.Vibrate)
	assert.True(t, n.Renotify)
	assert.Equal(t, "/", n.URL())
}

func TestScheduleReplacesPreviousTimers(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})

	scheduler.Schedule(Settings{TypeVocal: {Enabled: true, Time: "09:00"}})
	scheduler.Schedule(Settings{TypeReading: {Enabled: true, Time: "10:00"}})
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(3 * time.Hour)
	assert.Equal(t, []string{"Reading Time"}, notifier.titles())
}

func TestClearStopsEveryPendingReminder(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})

	scheduler.Schedule(Settings{
		TypeSleep:   {Enabled: true, Time: "22:00"},
		TypeWorkout: {Enabled: true, Time: "09:00"},
		TypeVocal:   {Enabled: true, Time: "12:00"},
	})
	require.Len(t, scheduler.Active(), 3)

	scheduler.Clear()
	assert.Empty(t, scheduler.Active())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(48 * time.Hour)
	assert.Empty(t, notifier.titles())
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})
	scheduler.Schedule(Settings{TypeWorkout: {Enabled: true, Time: "09:00"}})

	scheduler.mu.Lock()
	stale := scheduler.armed[TypeWorkout]
	scheduler.mu.Unlock()
	require.NotNil(t, stale)

	scheduler.Clear()
	scheduler.fire(stale)
	assert.Empty(t, notifier.titles())
}

func TestNotifierErrorKeepsSchedule(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &recordingNotifier{err: errors.New("permission denied")}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})
	scheduler.Schedule(Settings{TypeReading: {Enabled: true, Time: "09:00"}})

	clk.Advance(time.Hour)
	assert.Equal(t, uint64(0), scheduler.Fired())
	require.Len(t, scheduler.Active(), 1)
}

func TestInvalidConfigIsSkipped(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	scheduler := NewScheduler(SchedulerOptions{Clock: clk})
	scheduler.Schedule(Settings{
		TypeSleep:       {Enabled: true, Time: "late"},
		TypeBudget:      {Enabled: true, Time: "20:00"},
		Type("meditate"): {Enabled: true, Time: "06:00"},
	})
	active := scheduler.Active()
	require.Len(t, active, 1)
	assert.Equal(t, TypeBudget, active[0].Type)
}

func TestNextFireSameDayEdge(t *testing.T) {
	cfg := Config{Enabled: true, Time: "22:30"}

	got, err := NextFire(cfg, tuesdayAt(20, 0))
	require.NoError(t, err)
	assert.True(t, got.Equal(tuesdayAt(22, 30)), "got %s", got)

	got, err = NextFire(cfg, tuesdayAt(23, 0))
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 1, 3, 22, 30, 0, 0, time.UTC)), "got %s", got)
}

func TestWorkoutChainAcrossWeekdays(t *testing.T) {
	sunday := time.Date(2024, 1, 7, 9, 0, 0, 0, time.UTC)
	clk := clock.NewManual(sunday)
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})

	scheduler.Schedule(Settings{
		TypeWorkout: {Enabled: true, Time: "07:00", Days: []time.Weekday{time.Monday, time.Wednesday, time.Friday}},
	})
	active := scheduler.Active()
	require.Len(t, active, 1)
	monday := time.Date(2024, 1, 8, 7, 0, 0, 0, time.UTC)
	assert.True(t, active[0].FireAt.Equal(monday), "armed for %s", active[0].FireAt)

	clk.Set(monday)
	assert.Equal(t, []string{"Workout Time"}, notifier.titles())

	active = scheduler.Active()
	require.Len(t, active, 1)
	wednesday := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	assert.True(t, active[0].FireAt.Equal(wednesday), "re-armed for %s", active[0].FireAt)
}

func TestClearWinsAgainstImminentTimer(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 59).Add(59*time.Second + 500*time.Millisecond))
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})
	scheduler.Schedule(Settings{TypeSleep: {Enabled: true, Time: "09:00"}})
	require.Len(t, scheduler.Active(), 1)

	scheduler.Clear()
	clk.Advance(time.Second)
	assert.Empty(t, notifier.titles())
}

type gatedNotifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedNotifier) Notify(Notification) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

func TestSlowNotifierDoesNotBlockScheduler(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &gatedNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})
	scheduler.Schedule(Settings{TypeReading: {Enabled: true, Time: "09:00"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		clk.Advance(time.Hour)
	}()
	<-notifier.entered

	assert.Empty(t, scheduler.Active())
	scheduler.Clear()

	close(notifier.release)
	<-done
	assert.Equal(t, uint64(1), scheduler.Fired())
	assert.Empty(t, scheduler.Active(), "delivery re-armed after Clear")
}

func TestDeliveryRearmsWhenNothingChanged(t *testing.T) {
	clk := clock.NewManual(tuesdayAt(8, 0))
	notifier := &gatedNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	close(notifier.release)
	scheduler := NewScheduler(SchedulerOptions{Clock: clk, Notifier: notifier})
	scheduler.Schedule(Settings{TypeReading: {Enabled: true, Time: "09:00"}})

	clk.Advance(time.Hour)
	active := scheduler.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].FireAt.Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)), "re-armed for %s", active[0].FireAt)
}
