package mesh

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	redialInterval = 15 * time.Second
	redialJitter   = 0.2

	// A bump after a link drop retries at a tenth of the steady interval.
	redialBumpDivisor = 10
)

// redialTimer ticks on a jittered interval and can be bumped to reschedule
// immediately after a link drop, so the first redial attempt is quick while
// steady-state retries stay spread out.
type redialTimer struct {
	C    <-chan time.Time
	bump chan struct{}
}

func newRedialTimer(ctx context.Context, base time.Duration, jitterFrac float64) *redialTimer {
	tickCh := make(chan time.Time)
	t := &redialTimer{C: tickCh, bump: make(chan struct{}, 1)}

	go func() {
		defer close(tickCh)
		timer := time.NewTimer(jitter(base, jitterFrac))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.bump:
				timer.Reset(jitter(base/redialBumpDivisor, jitterFrac))
			case now := <-timer.C:
				select {
				case <-ctx.Done():
					return
				case tickCh <- now:
				}
				timer.Reset(jitter(base, jitterFrac))
			}
		}
	}()
	return t
}

// Bump schedules a near-immediate tick. Coalesces when one is pending.
func (t *redialTimer) Bump() {
	select {
	case t.bump <- struct{}{}:
	default:
	}
}

// jitter spreads d by up to +/- frac of its value.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	offset := time.Duration(rand.N(2*int64(delta)+1)) - delta
	return d + offset
}
