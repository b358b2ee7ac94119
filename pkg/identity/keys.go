package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/wesense/mesh-ingester/pkg/config"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	pemTypePrivateKey = "WESENSE ED25519 PRIVATE KEY"

	keyDirPerm  = 0o700
	keyFilePerm = 0o600

	// nodeIDPrefix namespaces ingester identities. The suffix is the first
	// 8 hex chars of sha256(pub), so the same keypair always derives the
	// same identity.
	nodeIDPrefix = "wsi_"
	nodeIDDigits = 8
)

var ErrKeysNotLoaded = errors.New("keys not loaded")

type sidecar struct {
	Created    time.Time `yaml:"created"`
	KeyVersion uint32    `yaml:"keyVersion"`
}

// Manager owns the node's ed25519 keypair and derived identity. The private
// key never leaves the package: signing goes through Sign.
type Manager struct {
	cfg        config.Keys
	log        *zap.SugaredLogger
	priv       ed25519.PrivateKey
	keyVersion uint32
}

func NewManager(cfg config.Keys) *Manager {
	return &Manager{
		cfg: cfg,
		log: zap.S().Named("identity"),
	}
}

// LoadOrGenerate loads the persisted keypair, or generates and persists a
// fresh one when none exists. Corrupt or unreadable persisted key material is
// an error: silently regenerating would mint a new identity and sever every
// trust relationship established under the old one.
func (m *Manager) LoadOrGenerate() error {
	if _, err := os.Stat(m.cfg.PEMPath()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat key file: %w", err)
		}
		return m.generate()
	}
	return m.load()
}

func (m *Manager) load() error {
	raw, err := os.ReadFile(m.cfg.PEMPath())
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemTypePrivateKey {
		return fmt.Errorf("invalid key PEM in %s", m.cfg.PEMPath())
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return fmt.Errorf("invalid key length in %s", m.cfg.PEMPath())
	}
	m.priv = ed25519.NewKeyFromSeed(block.Bytes)
	m.keyVersion = 1

	sc, err := m.loadSidecar()
	if err != nil {
		return err
	}
	if sc != nil && sc.KeyVersion > 0 {
		m.keyVersion = sc.KeyVersion
	}

	m.log.Infow("loaded keypair",
		"ingesterID", m.NodeID(),
		"keyVersion", m.keyVersion,
		"path", m.cfg.PEMPath(),
	)
	return nil
}

func (m *Manager) loadSidecar() (*sidecar, error) {
	raw, err := os.ReadFile(m.cfg.SidecarPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read key sidecar: %w", err)
	}

	sc := &sidecar{}
	if err := yaml.Unmarshal(raw, sc); err != nil {
		return nil, fmt.Errorf("unmarshal key sidecar: %w", err)
	}
	return sc, nil
}

func (m *Manager) generate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	m.priv = priv
	m.keyVersion = 1

	if err := os.MkdirAll(filepath.Dir(m.cfg.PEMPath()), keyDirPerm); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  pemTypePrivateKey,
		Bytes: priv.Seed(),
	})
	if err := renameio.WriteFile(m.cfg.PEMPath(), pemBytes, keyFilePerm); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	scBytes, err := yaml.Marshal(sidecar{
		KeyVersion: m.keyVersion,
		Created:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal key sidecar: %w", err)
	}
	if err := renameio.WriteFile(m.cfg.SidecarPath(), scBytes, keyFilePerm); err != nil {
		return fmt.Errorf("write key sidecar: %w", err)
	}

	m.log.Infow("generated new keypair",
		"ingesterID", m.NodeID(),
		"keyVersion", m.keyVersion,
		"path", m.cfg.PEMPath(),
	)
	return nil
}

// Sign signs payload with the node's private key.
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	if m.priv == nil {
		return nil, ErrKeysNotLoaded
	}
	return ed25519.Sign(m.priv, payload), nil
}

// PublicKey returns the raw 32-byte public key.
func (m *Manager) PublicKey() []byte {
	if m.priv == nil {
		return nil
	}
	pub := m.priv.Public().(ed25519.PublicKey)
	return append([]byte(nil), pub...)
}

// NodeID derives the stable ingester identity from the public key.
func (m *Manager) NodeID() string {
	pub := m.PublicKey()
	if pub == nil {
		return ""
	}
	digest := sha256.Sum256(pub)
	return nodeIDPrefix + hex.EncodeToString(digest[:])[:nodeIDDigits]
}

func (m *Manager) KeyVersion() uint32 {
	return m.keyVersion
}
