package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildKeyExpr(t *testing.T) {
	m := Mesh{KeyPrefix: "wesense/v2/live"}

	tests := []struct {
		country     string
		subdivision string
		deviceID    string
		want        string
	}{
		{"NZ", "AUK", "sensor-001", "wesense/v2/live/nz/auk/sensor-001"},
		{"nz", "auk", "sensor-001", "wesense/v2/live/nz/auk/sensor-001"},
		{"", "", "", "wesense/v2/live/unknown/unknown/unknown"},
		{"  ", "\t", "sensor-001", "wesense/v2/live/unknown/unknown/sensor-001"},
		{"NZ", "", "Sensor-A", "wesense/v2/live/nz/unknown/Sensor-A"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, m.BuildKeyExpr(tc.country, tc.subdivision, tc.deviceID))
	}
}

func TestKeyExprDepthIsFixed(t *testing.T) {
	m := Mesh{}
	sparse := m.BuildKeyExpr("", "", "")
	full := m.BuildKeyExpr("NZ", "AUK", "sensor-001")
	require.Len(t, strings.Split(sparse, "/"), len(strings.Split(full, "/")))
}

func TestPrefixDefaultsAndTrimming(t *testing.T) {
	require.Equal(t, DefaultKeyPrefix, Mesh{}.Prefix())
	require.Equal(t, "custom/prefix", Mesh{KeyPrefix: "custom/prefix/"}.Prefix())
	require.Equal(t, DefaultKeyPrefix+"/**", Mesh{}.SubscribeKeyExpr())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.Mesh.Mode = MeshModePeer
	cfg.Mesh.Routers = []string{"quic/10.0.0.1:7447"}
	cfg.Registry = Registry{URL: "http://registry:5200", SyncInterval: 30 * time.Minute, Enabled: true}
	cfg.ClickHouse = ClickHouse{Host: "ch.local", Port: 9440, Database: "prod"}
	cfg.LogLevel = "debug"

	require.NoError(t, Save(dir, cfg))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestSavedFilePermissions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))

	info, err := os.Stat(filepath.Join(dir, configFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestValidateRejectsBadMeshMode(t *testing.T) {
	cfg := Default()
	cfg.Mesh.Mode = "router"
	require.Error(t, cfg.Validate())
	require.Error(t, Save(t.TempDir(), cfg))
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("mesh: [broken"), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestRegistryIntervalDefault(t *testing.T) {
	require.Equal(t, time.Hour, Registry{}.Interval())
	require.Equal(t, 5*time.Minute, Registry{SyncInterval: 5 * time.Minute}.Interval())
}

func TestClickHouseDefaults(t *testing.T) {
	require.Equal(t, "localhost:9000", ClickHouse{}.Addr())
	require.Equal(t, "ch.local:9440", ClickHouse{Host: "ch.local", Port: 9440}.Addr())
	require.Equal(t, "wesense.sensor_readings", ClickHouse{}.QualifiedTable())
	require.Equal(t, "prod.readings", ClickHouse{Database: "prod", Table: "readings"}.QualifiedTable())
}
