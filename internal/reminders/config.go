package reminders

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTime = errors.New("invalid reminder time")
	ErrInvalidDays = errors.New("invalid reminder days")
	ErrUnknownType = errors.New("unknown reminder type")
)

type Type string

const (
	TypeSleep   Type = "sleep"
	TypeWorkout Type = "workout"
	TypeVocal   Type = "vocal"
	TypeBudget  Type = "budget"
	TypeReading Type = "reading"
)

var Types = []Type{TypeSleep, TypeWorkout, TypeVocal, TypeBudget, TypeReading}

// Config is one reminder's schedule. Time is "HH:MM" in the device's local
// zone; an empty Days means every day.
type Config struct {
	Enabled bool           `json:"enabled"`
	Time    string         `json:"time"`
	Days    []time.Weekday `json:"days,omitempty"`
}

type Settings map[Type]Config

func ParseClock(raw string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	return hour, minute, nil
}

// NextFire returns the first instant strictly after now at cfg.Time whose
// weekday is allowed by cfg.Days, evaluated in now's location.
func NextFire(cfg Config, now time.Time) (time.Time, error) {
	hour, minute, err := ParseClock(cfg.Time)
	if err != nil {
		return time.Time{}, err
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location())
	}
	if len(cfg.Days) == 0 {
		return candidate, nil
	}
	allowed := map[time.Weekday]bool{}
	for _, day := range cfg.Days {
		if day < time.Sunday || day > time.Saturday {
			return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidDays, day)
		}
		allowed[day] = true
	}
	for i := 0; i < 7; i++ {
		if allowed[candidate.Weekday()] {
			return candidate, nil
		}
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, hour, minute, 0, 0, now.Location())
	}
	return time.Time{}, ErrInvalidDays
}
