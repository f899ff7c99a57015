package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MeshConfigProjection(t *testing.T) {
	cfg := DefaultConfig()
	mc := cfg.MeshConfig()
	assert.Equal(t, 1, mc.ProtocolVersion)
	assert.Equal(t, cfg.HandshakeTimeout, mc.HandshakeTimeout)
	assert.Equal(t, cfg.DrainGrace, mc.DrainGrace)
	assert.Equal(t, cfg.MaxRecordSize, mc.MaxRecordSize)
	assert.Equal(t, cfg.SeenSetCapacity, mc.SeenSetCapacity)
}

func TestLoadFile_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile_OverridesDefaultsFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkmesh.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = ":5000"
peers = ["10.0.0.1:4000", "10.0.0.2:4000"]
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Listen)
	assert.Equal(t, []string{"10.0.0.1:4000", "10.0.0.2:4000"}, cfg.Peers)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultConfig().MaxRecordSize, cfg.MaxRecordSize)
}

func TestLoadFile_RejectsMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestApplyViper_EnvironmentOverridesFlagDefault(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := DefaultConfig()
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "")
	flags.StringVar(&cfg.ID, "id", cfg.ID, "")

	require.NoError(t, os.Setenv("TALKMESH_LISTEN", ":9999"))
	t.Cleanup(func() { os.Unsetenv("TALKMESH_LISTEN") })

	v := BindFlags(flags)
	cfg = ApplyViper(cfg, v)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Empty(t, cfg.ID, "unset env var must not touch unrelated fields")
}

func TestApplyViper_NoEnvLeavesFlagValueIntact(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := DefaultConfig()
	cfg.Listen = ":1234"
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "")

	v := BindFlags(flags)
	cfg = ApplyViper(cfg, v)

	assert.Equal(t, ":1234", cfg.Listen)
}
