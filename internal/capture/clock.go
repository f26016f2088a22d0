package capture

import (
	"context"
	"time"
)

// Window is one recording cycle: audio is read from Start until Stop and
// the next cycle begins at Next.
type Window struct {
	Start time.Time
	Stop  time.Time
	Next  time.Time
}

func (w Window) Duration() time.Duration {
	return w.Stop.Sub(w.Start)
}

// Clock drives fixed-duration recording cycles. With Align set, cycle
// boundaries fall on multiples of Cycle on the wall clock.
type Clock struct {
	Cycle time.Duration
	Pause time.Duration
	Align bool

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Clock) Window(start time.Time) Window {
	cycle := c.Cycle
	if cycle <= 0 {
		cycle = 5 * time.Minute
	}

	next := start.Add(cycle)
	if c.Align {
		next = start.Truncate(cycle).Add(cycle)
	}

	stop := next.Add(-c.pause(cycle))
	if c.Align && !stop.After(start) {
		next = next.Add(cycle)
		stop = next.Add(-c.pause(cycle))
	}

	return Window{Start: start, Stop: stop, Next: next}
}

func (c Clock) pause(cycle time.Duration) time.Duration {
	if c.Pause <= 0 || c.Pause >= cycle {
		return 0
	}
	return c.Pause
}

func (c Clock) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// WaitUntil blocks until t or until ctx is done.
func (c Clock) WaitUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(c.now())
	if d <= 0 {
		return ctx.Err()
	}

	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
