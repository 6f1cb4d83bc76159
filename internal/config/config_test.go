package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state_dir: /srv/palm
device:
  id: 42
conflict: DESKTOP
open_timeout: 3s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "/srv/palm/calendar.ics", cfg.Calendar)
	assert.Equal(t, "/srv/palm/device", cfg.Device.Path)
	assert.Equal(t, ConflictDesktop, cfg.Conflict)
	assert.Equal(t, 3*time.Second, cfg.OpenTimeout)
	assert.Equal(t, "/srv/palm/idmap-42.cbor", cfg.MapPath())
	assert.Equal(t, "pilot-sync-calendar-42", cfg.ChangeLogName())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [1, 2"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin"}
	assert.Error(t, cfg.Validate())
}

func TestUnknownConflictFallsBack(t *testing.T) {
	cfg := &Config{Conflict: "newest"}
	cfg.Normalize()
	assert.Equal(t, ConflictDevice, cfg.Conflict)
}
