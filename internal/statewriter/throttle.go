package statewriter

import (
	"context"
	"time"
)

// Throttle enforces a minimum pause between actions. It is not safe for
// concurrent use; the writer calls it under its own lock.
type Throttle struct {
	minPause time.Duration
	last     time.Time
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewThrottle returns a throttle that spaces actions at least minPause apart.
func NewThrottle(minPause time.Duration) *Throttle {
	return &Throttle{minPause: minPause, now: time.Now, sleep: sleepCtx}
}

// MinimumWaitBetweenActions sleeps until minPause has passed since the last
// marked action.
func (t *Throttle) MinimumWaitBetweenActions(ctx context.Context) error {
	if t.last.IsZero() {
		return nil
	}
	wait := t.minPause - t.now().Sub(t.last)
	if wait <= 0 {
		return nil
	}
	return t.sleep(ctx, wait)
}

// MarkAttemptingAction records that an action starts now.
func (t *Throttle) MarkAttemptingAction() {
	t.last = t.now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
