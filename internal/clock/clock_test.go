package clock

import (
	"testing"
	"time"
)

func TestManualFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(time.Second, func() { order = append(order, "first") })
	late := c.AfterFunc(time.Minute, func() { order = append(order, "late") })

	c.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected fire order: %v", order)
	}
	if got := c.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("expected clock at +5s, got %s", got)
	}
	if !late.Stop() {
		t.Fatalf("expected pending timer to stop")
	}
	if late.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestManualCallbackMayArmAnotherTimer(t *testing.T) {
	c := NewManual(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	fired := 0
	var tick func()
	tick = func() {
		fired++
		c.AfterFunc(time.Hour, tick)
	}
	c.AfterFunc(time.Hour, tick)

	c.Advance(3 * time.Hour)
	if fired != 3 {
		t.Fatalf("expected 3 chained fires, got %d", fired)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected the next tick to stay armed, got %d pending", c.Pending())
	}
}
