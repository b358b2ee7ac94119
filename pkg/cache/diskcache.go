package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const (
	defaultDiskTTL      = 7 * 24 * time.Hour
	defaultSaveInterval = 10

	cacheDirPerm  = 0o700
	cacheFilePerm = 0o600
)

type diskEntry struct {
	Value   json.RawMessage `json:"value"`
	Updated int64           `json:"updated"`
}

type diskFile struct {
	Data    map[string]diskEntry `json:"data"`
	SavedAt int64                `json:"saved_at"`
}

// DiskCache is a thread-safe JSON key/value store persisted to a single
// file. Data lives in memory; every Nth Set persists atomically, and Flush
// forces a write. Entries expire on load and on Get based on the TTL.
type DiskCache struct {
	path         string
	ttl          time.Duration
	saveInterval int
	log          *zap.SugaredLogger

	data    map[string]diskEntry
	pending int
	mu      sync.Mutex

	now func() time.Time
}

type DiskCacheOptions struct {
	// TTL of 0 keeps entries forever.
	TTL          time.Duration
	SaveInterval int
}

// NewDiskCache loads the cache at path, dropping entries older than the TTL.
// A missing or unreadable file is an empty cache.
func NewDiskCache(path string, opts DiskCacheOptions) *DiskCache {
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = defaultSaveInterval
	}

	c := &DiskCache{
		path:         path,
		ttl:          opts.TTL,
		saveInterval: opts.SaveInterval,
		log:          zap.S().Named("cache.disk"),
		data:         make(map[string]diskEntry),
		now:          time.Now,
	}
	c.load()
	return c
}

func (c *DiskCache) load() {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warnw("failed to load cache", "path", c.path, "err", err)
		}
		return
	}

	var file diskFile
	if err := json.Unmarshal(raw, &file); err != nil {
		c.log.Warnw("failed to parse cache", "path", c.path, "err", err)
		return
	}

	expired := 0
	cutoff := c.now().Add(-c.ttl).Unix()
	for key, entry := range file.Data {
		if c.ttl > 0 && entry.Updated < cutoff {
			expired++
			continue
		}
		c.data[key] = entry
	}
	c.log.Infow("loaded cache", "path", c.path, "entries", len(c.data), "expired", expired)
}

// Get unmarshals the cached value for key into out. Returns false when the
// key is absent or its entry has expired.
func (c *DiskCache) Get(key string, out any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return false
	}
	if c.ttl > 0 && c.now().Sub(time.Unix(entry.Updated, 0)) > c.ttl {
		delete(c.data, key)
		return false
	}
	if out != nil {
		if err := json.Unmarshal(entry.Value, out); err != nil {
			c.log.Warnw("failed to decode cached value", "key", key, "err", err)
			return false
		}
	}
	return true
}

// Set stores value under key with the current timestamp, persisting every
// Nth update.
func (c *DiskCache) Set(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = diskEntry{Value: encoded, Updated: c.now().Unix()}
	c.pending++
	if c.pending >= c.saveInterval {
		if err := c.saveLocked(); err != nil {
			return err
		}
		c.pending = 0
	}
	return nil
}

// Delete removes key. Reports whether it existed.
func (c *DiskCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.data[key]
	delete(c.data, key)
	return ok
}

func (c *DiskCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.data))
	for key := range c.data {
		keys = append(keys, key)
	}
	return keys
}

func (c *DiskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Flush persists immediately regardless of the save interval.
func (c *DiskCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.saveLocked(); err != nil {
		return err
	}
	c.pending = 0
	return nil
}

func (c *DiskCache) saveLocked() error {
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, cacheDirPerm); err != nil {
			return fmt.Errorf("create cache directory: %w", err)
		}
	}

	encoded, err := json.Marshal(diskFile{Data: c.data, SavedAt: c.now().Unix()})
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	if err := renameio.WriteFile(c.path, encoded, cacheFilePerm); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}
