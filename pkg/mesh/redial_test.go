package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedialTimerBumpTicksQuickly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := newRedialTimer(ctx, 10*time.Second, 0.2)
	timer.Bump()

	select {
	case <-timer.C:
	case <-time.After(3 * time.Second):
		// A bump reschedules at a tenth of the base interval; a tick this
		// late means the bump was lost.
		t.Fatal("bumped timer did not tick")
	}
}

func TestRedialTimerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := newRedialTimer(ctx, time.Millisecond, 0)
	cancel()

	require.Eventually(t, func() bool {
		_, open := <-timer.C
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestJitterBounds(t *testing.T) {
	base := time.Second
	for range 100 {
		d := jitter(base, 0.2)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	require.Equal(t, base, jitter(base, 0))
}
