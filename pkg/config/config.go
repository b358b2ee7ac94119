package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"

	directoryPerm  = 0o700
	configFilePerm = 0o600

	// UnknownToken fills missing key-expression segments so that topic depth
	// stays fixed regardless of how sparse a reading is.
	UnknownToken = "unknown"

	DefaultKeyPrefix = "wesense/v2/live"
)

const (
	MeshModeClient   = "client"
	MeshModePeer     = "peer"
	MeshModeListener = "listener"
)

// Mesh configures the shared transport session. A disabled config is a fully
// valid inert state: connect becomes a no-op and nothing errors.
type Mesh struct {
	Mode      string   `yaml:"mode,omitempty"`
	KeyPrefix string   `yaml:"keyPrefix,omitempty"`
	Routers   []string `yaml:"routers,omitempty"`
	Listen    []string `yaml:"listen,omitempty"`
	Enabled   bool     `yaml:"enabled"`
}

// BuildKeyExpr builds {prefix}/{country}/{subdivision}/{device_id}. Country
// and subdivision are lowercased; missing segments become "unknown". This is
// the single topic rule shared by the mesh publisher, the subscriber's
// expectations and the companion broker publisher.
func (m Mesh) BuildKeyExpr(country, subdivision, deviceID string) string {
	return strings.Join([]string{
		m.Prefix(),
		normalizeSegment(country),
		normalizeSegment(subdivision),
		defaultSegment(deviceID),
	}, "/")
}

func (m Mesh) Prefix() string {
	if m.KeyPrefix == "" {
		return DefaultKeyPrefix
	}
	return strings.TrimSuffix(m.KeyPrefix, "/")
}

// SubscribeKeyExpr returns the wildcard expression covering every reading
// under the configured prefix.
func (m Mesh) SubscribeKeyExpr() string {
	return m.Prefix() + "/**"
}

func normalizeSegment(v string) string {
	return strings.ToLower(defaultSegment(v))
}

func defaultSegment(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return UnknownToken
	}
	return v
}

type Keys struct {
	Dir  string `yaml:"dir,omitempty"`
	File string `yaml:"file,omitempty"`
}

func (k Keys) PEMPath() string {
	dir := k.Dir
	if dir == "" {
		dir = "data/keys"
	}
	file := k.File
	if file == "" {
		file = "ingester_key.pem"
	}
	return filepath.Join(dir, file)
}

// SidecarPath is the key metadata file stored next to the PEM.
func (k Keys) SidecarPath() string {
	p := k.PEMPath()
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".yaml"
}

type Registry struct {
	URL          string        `yaml:"url,omitempty"`
	SyncInterval time.Duration `yaml:"syncInterval,omitempty"`
	Enabled      bool          `yaml:"enabled"`
}

func (r Registry) Interval() time.Duration {
	if r.SyncInterval <= 0 {
		return time.Hour
	}
	return r.SyncInterval
}

type ClickHouse struct {
	Host     string `yaml:"host,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`
	Table    string `yaml:"table,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

func (c ClickHouse) Addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9000
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (c ClickHouse) QualifiedTable() string {
	db := c.Database
	if db == "" {
		db = "wesense"
	}
	table := c.Table
	if table == "" {
		table = "sensor_readings"
	}
	return db + "." + table
}

type Broker struct {
	Host        string `yaml:"host,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	ClientID    string `yaml:"clientId,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	Enabled     bool   `yaml:"enabled"`
}

type Dedup struct {
	TTL             time.Duration `yaml:"ttl,omitempty"`
	CleanupInterval time.Duration `yaml:"cleanupInterval,omitempty"`
}

type Config struct {
	Mesh       Mesh       `yaml:"mesh,omitempty"`
	Keys       Keys       `yaml:"keys,omitempty"`
	Registry   Registry   `yaml:"registry,omitempty"`
	ClickHouse ClickHouse `yaml:"clickhouse,omitempty"`
	Broker     Broker     `yaml:"broker,omitempty"`
	Dedup      Dedup      `yaml:"dedup,omitempty"`
	LogLevel   string     `yaml:"logLevel,omitempty"`
}

func Default() *Config {
	return &Config{
		Mesh: Mesh{
			Mode:      MeshModeClient,
			KeyPrefix: DefaultKeyPrefix,
			Enabled:   true,
		},
		LogLevel: "info",
	}
}

func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(dir string, cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(dir, configFileName)
	if err := renameio.WriteFile(path, encoded, configFilePerm); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.Mesh.Mode {
	case "", MeshModeClient, MeshModePeer, MeshModeListener:
	default:
		return fmt.Errorf("invalid mesh mode: %q", c.Mesh.Mode)
	}

	if c.Registry.SyncInterval < 0 {
		return errors.New("registry.syncInterval must be >= 0")
	}
	if c.Dedup.TTL < 0 {
		return errors.New("dedup.ttl must be >= 0")
	}

	return nil
}
