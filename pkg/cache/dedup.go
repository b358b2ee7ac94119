// Package cache holds the ingestion-path caches: reading deduplication and a
// generic JSON disk cache used by device adapters.
package cache

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/wesense/mesh-ingester/pkg/config"
)

const (
	defaultDedupTTL     = time.Hour
	defaultDedupCleanup = 5 * time.Minute
)

// Dedup catches mesh flooding where the same reading arrives multiple times
// via different gateways. Entries expire after a TTL; the cache janitor
// sweeps expired entries in the background.
type Dedup struct {
	entries *gocache.Cache
	blocked atomic.Uint64
	unique  atomic.Uint64
}

type DedupStats struct {
	Size    int
	Blocked uint64
	Unique  uint64
}

func NewDedup(cfg config.Dedup) *Dedup {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = defaultDedupCleanup
	}
	return &Dedup{entries: gocache.New(ttl, cleanup)}
}

// IsDuplicate reports whether a reading with this (device, type, timestamp)
// has been seen within the TTL, recording it on first sight. The underlying
// Add is atomic, so concurrent duplicates race to exactly one "new" verdict.
func (d *Dedup) IsDuplicate(deviceID, readingType string, timestamp int64) bool {
	key := strings.Join([]string{deviceID, readingType, strconv.FormatInt(timestamp, 10)}, "|")
	if err := d.entries.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		d.blocked.Add(1)
		return true
	}
	d.unique.Add(1)
	return false
}

func (d *Dedup) Stats() DedupStats {
	return DedupStats{
		Size:    d.entries.ItemCount(),
		Blocked: d.blocked.Load(),
		Unique:  d.unique.Load(),
	}
}
