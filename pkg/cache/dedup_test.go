package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wesense/mesh-ingester/pkg/config"
)

func TestDedupBlocksRepeats(t *testing.T) {
	d := NewDedup(config.Dedup{})

	require.False(t, d.IsDuplicate("sensor-1", "temperature", 1700000000))
	require.True(t, d.IsDuplicate("sensor-1", "temperature", 1700000000))
	require.True(t, d.IsDuplicate("sensor-1", "temperature", 1700000000))

	stats := d.Stats()
	require.Equal(t, 1, stats.Size)
	require.EqualValues(t, 2, stats.Blocked)
	require.EqualValues(t, 1, stats.Unique)
}

func TestDedupKeyIsDeviceTypeTimestamp(t *testing.T) {
	d := NewDedup(config.Dedup{})

	require.False(t, d.IsDuplicate("sensor-1", "temperature", 1700000000))
	require.False(t, d.IsDuplicate("sensor-2", "temperature", 1700000000))
	require.False(t, d.IsDuplicate("sensor-1", "humidity", 1700000000))
	require.False(t, d.IsDuplicate("sensor-1", "temperature", 1700000001))

	require.Equal(t, 4, d.Stats().Size)
}

func TestDedupEntriesExpire(t *testing.T) {
	d := NewDedup(config.Dedup{TTL: 20 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})

	require.False(t, d.IsDuplicate("sensor-1", "temperature", 1700000000))
	require.Eventually(t, func() bool {
		return !d.IsDuplicate("sensor-1", "temperature", 1700000000)
	}, time.Second, 10*time.Millisecond)
}

func TestDedupConcurrentFirstSight(t *testing.T) {
	d := NewDedup(config.Dedup{})

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- d.IsDuplicate("sensor-1", "temperature", 1700000000)
		}()
	}
	wg.Wait()
	close(results)

	unique := 0
	for dup := range results {
		if !dup {
			unique++
		}
	}
	require.Equal(t, 1, unique)
}
