package scheduler

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// MaxDelay bounds how far ahead a task may be scheduled.
const MaxDelay = 10 * 365 * 24 * time.Hour

// When describes a due time as exactly one of a delay, an absolute RFC 3339
// timestamp, or the next occurrence of a five-field cron expression.
// DelaySeconds is a pointer so that a zero delay counts as set.
type When struct {
	DelaySeconds *float64
	At           string
	Cron         string
}

// Delay resolves w into a non-negative delay relative to now, at most
// MaxDelay.
func (w When) Delay(now time.Time) (time.Duration, error) {
	set := 0
	if w.DelaySeconds != nil {
		set++
	}
	if w.At != "" {
		set++
	}
	if w.Cron != "" {
		set++
	}
	if set != 1 {
		return 0, fmt.Errorf("%w: exactly one of delay_seconds, at or cron is required", ErrInvalidSchedule)
	}

	var delay time.Duration
	switch {
	case w.At != "":
		due, err := DueFromTimestamp(w.At)
		if err != nil {
			return 0, err
		}
		delay = due.Sub(now)
		if delay < 0 {
			return 0, fmt.Errorf("%w: %s is in the past", ErrInvalidSchedule, w.At)
		}
	case w.Cron != "":
		due, err := DueFromCron(w.Cron, now)
		if err != nil {
			return 0, err
		}
		delay = due.Sub(now)
	default:
		secs := *w.DelaySeconds
		if math.IsNaN(secs) || secs < 0 {
			return 0, fmt.Errorf("%w: delay_seconds must not be negative", ErrInvalidSchedule)
		}
		if secs > MaxDelay.Seconds() {
			return 0, fmt.Errorf("%w: delay_seconds exceeds %d", ErrInvalidSchedule, int64(MaxDelay.Seconds()))
		}
		delay = time.Duration(secs * float64(time.Second))
	}

	if delay > MaxDelay {
		return 0, fmt.Errorf("%w: due time is more than %s ahead", ErrInvalidSchedule, MaxDelay)
	}
	return delay, nil
}

// DueFromTimestamp parses an RFC 3339 timestamp.
func DueFromTimestamp(at string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp: %v", ErrInvalidSchedule, err)
	}
	return t, nil
}

// DueFromCron returns the first occurrence of expr after now.
func DueFromCron(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid cron expression: %v", ErrInvalidSchedule, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron expression %q never fires", ErrInvalidSchedule, expr)
	}
	return next, nil
}
