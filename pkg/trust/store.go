package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"

	trustDirPerm  = 0o700
	trustFilePerm = 0o600
)

// Entry is one (identity, key version) trust record. Version keys in the
// snapshot are strings for compatibility with the registry sync payload.
type Entry struct {
	PublicKey    string         `json:"public_key"`
	Status       string         `json:"status"`
	Added        string         `json:"added"`
	RevokedAt    string         `json:"revoked_at,omitempty"`
	RevokeReason string         `json:"revoke_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Snapshot is the on-disk and over-the-wire trust representation:
// identity -> version -> entry.
type Snapshot struct {
	Keys map[string]map[string]Entry `json:"keys"`
}

// Store is the thread-safe trust registry mapping ingester identities to
// versioned public keys. Every mutation persists the full store to disk
// synchronously, under the same lock that guards the map, so disk and memory
// never diverge. Trust changes are low-frequency relative to data-plane
// traffic, so the write amplification is acceptable.
type Store struct {
	keys map[string]map[string]Entry
	log  *zap.SugaredLogger
	path string
	mu   sync.Mutex
}

// NewStore loads the trust store at path. A missing file is an empty store,
// not an error.
func NewStore(path string) *Store {
	s := &Store{
		path: path,
		keys: make(map[string]map[string]Entry),
		log:  zap.S().Named("trust"),
	}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warnw("failed to load trust store", "path", s.path, "err", err)
		}
		return
	}

	snap := Snapshot{}
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.log.Warnw("failed to parse trust store", "path", s.path, "err", err)
		return
	}
	if snap.Keys != nil {
		s.keys = snap.Keys
	}
	s.log.Infow("loaded trust store", "ingesters", len(s.keys), "path", s.path)
}

// saveLocked persists the full store. Caller must hold s.mu. Persistence
// failure is logged, not propagated: the in-memory state remains the source
// of truth for the running process.
func (s *Store) saveLocked() {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, trustDirPerm); err != nil {
			s.log.Warnw("failed to create trust dir", "path", dir, "err", err)
			return
		}
	}

	raw, err := json.MarshalIndent(Snapshot{Keys: s.keys}, "", "  ")
	if err != nil {
		s.log.Warnw("failed to marshal trust store", "err", err)
		return
	}

	if err := renameio.WriteFile(s.path, raw, trustFilePerm); err != nil {
		s.log.Warnw("failed to save trust store", "path", s.path, "err", err)
	}
}

// IsTrusted reports whether the identity holds at least one active key
// version.
func (s *Store) IsTrusted(ingesterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.keys[ingesterID] {
		if entry.Status == StatusActive {
			return true
		}
	}
	return false
}

// PublicKey returns the key for the exact (identity, version) pair, and only
// if that version is active. Signatures are version-specific: a revoked
// version returns nil even when other versions of the identity are active.
func (s *Store) PublicKey(ingesterID string, keyVersion uint32) ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[ingesterID][versionKey(keyVersion)]
	if !ok || entry.Status != StatusActive {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(entry.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		s.log.Warnw("malformed public key in trust store", "ingesterID", ingesterID, "keyVersion", keyVersion)
		return nil
	}
	return ed25519.PublicKey(raw)
}

// AddTrusted upserts an active key for (identity, version) and persists. An
// explicit re-add is the only way to restore trust after a revocation.
func (s *Store) AddTrusted(ingesterID string, publicKey []byte, keyVersion uint32, metadata map[string]any) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length: %d", len(publicKey))
	}

	s.mu.Lock()
	if s.keys[ingesterID] == nil {
		s.keys[ingesterID] = make(map[string]Entry)
	}
	s.keys[ingesterID][versionKey(keyVersion)] = Entry{
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
		Status:    StatusActive,
		Added:     time.Now().UTC().Format(time.RFC3339),
		Metadata:  metadata,
	}
	s.saveLocked()
	s.mu.Unlock()

	s.log.Infow("added trusted key", "ingesterID", ingesterID, "keyVersion", keyVersion)
	return nil
}

// Revoke flips a key version to revoked. Revocation is terminal and a no-op
// for entries that do not exist.
func (s *Store) Revoke(ingesterID string, keyVersion uint32, reason string) {
	s.mu.Lock()
	entry, ok := s.keys[ingesterID][versionKey(keyVersion)]
	if !ok {
		s.mu.Unlock()
		return
	}

	entry.Status = StatusRevoked
	entry.RevokedAt = time.Now().UTC().Format(time.RFC3339)
	entry.RevokeReason = reason
	s.keys[ingesterID][versionKey(keyVersion)] = entry
	s.saveLocked()
	s.mu.Unlock()

	s.log.Infow("revoked key", "ingesterID", ingesterID, "keyVersion", keyVersion, "reason", reason)
}

// Merge applies an externally synced snapshot entry by entry, overwriting
// local entries that share an (identity, version) key. Used by the periodic
// registry sync.
func (s *Store) Merge(snap Snapshot) {
	s.mu.Lock()
	for ingesterID, versions := range snap.Keys {
		if s.keys[ingesterID] == nil {
			s.keys[ingesterID] = make(map[string]Entry)
		}
		for ver, entry := range versions {
			s.keys[ingesterID][ver] = entry
		}
	}
	s.saveLocked()
	s.mu.Unlock()

	s.log.Infow("merged trust snapshot", "ingesters", len(snap.Keys))
}

// IDs returns every identity in the store, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExportSnapshot returns a read-only projection of the given identities.
func (s *Store) ExportSnapshot(ingesterIDs []string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	subset := make(map[string]map[string]Entry)
	for _, id := range ingesterIDs {
		versions, ok := s.keys[id]
		if !ok {
			continue
		}
		out := make(map[string]Entry, len(versions))
		for ver, entry := range versions {
			out[ver] = entry
		}
		subset[id] = out
	}
	return Snapshot{Keys: subset}
}

func versionKey(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
