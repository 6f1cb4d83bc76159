package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig identifies the paired handheld and where its database image
// is exchanged.
type DeviceConfig struct {
	// ID is the peripheral's user/pilot id. Identity maps and change logs
	// are keyed by it, so two devices paired to the same calendar never
	// share state.
	ID uint32 `yaml:"id" json:"id"`
	// Path is the directory holding the device database image.
	Path string `yaml:"path" json:"path"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level   string `yaml:"level" json:"level"`
	File    string `yaml:"file,omitempty" json:"file,omitempty"`
	NoColor bool   `yaml:"no_color" json:"no_color"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone the device clock is assumed to run in. It
	// is the session default time zone for every sync.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Calendar is the path of the iCalendar file used as desktop store.
	Calendar string `yaml:"calendar" json:"calendar"`

	// StateDir holds identity maps and the change-log database.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	Device DeviceConfig `yaml:"device" json:"device"`

	// OpenTimeout bounds how long PreSync waits for the calendar store.
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout"`

	// Conflict selects which side wins when both changed a record:
	//   - "device" (default)
	//   - "desktop"
	Conflict string `yaml:"conflict" json:"conflict"`

	// Schedule is a cron spec for the daemon (e.g. "*/30 * * * *").
	Schedule string `yaml:"schedule" json:"schedule"`

	// Watch triggers a sync whenever the device image changes.
	Watch bool `yaml:"watch" json:"watch"`

	// Listen is the HTTP listen address of the daemon status server.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Log LogConfig `yaml:"log" json:"log"`
}

const (
	ConflictDevice  = "device"
	ConflictDesktop = "desktop"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:    "UTC",
		Calendar:    "/var/lib/palmcal/calendar.ics",
		StateDir:    "/var/lib/palmcal",
		Device:      DeviceConfig{Path: "/var/lib/palmcal/device"},
		OpenTimeout: 10 * time.Second,
		Conflict:    ConflictDevice,
		Schedule:    "*/30 * * * *",
		Listen:      "127.0.0.1:8090",
		Log:         LogConfig{Level: "info"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	if c.Calendar == "" {
		c.Calendar = filepath.Join(c.StateDir, "calendar.ics")
	}
	if c.Device.Path == "" {
		c.Device.Path = filepath.Join(c.StateDir, "device")
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	switch strings.ToLower(c.Conflict) {
	case ConflictDevice, ConflictDesktop:
		c.Conflict = strings.ToLower(c.Conflict)
	default:
		c.Conflict = ConflictDevice
	}
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate reports configuration errors Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "") != (c.BasicAuth.Password == "") {
		return errors.New("config: basic_auth needs both username and password")
	}
	return nil
}

// MapPath is where the identity map of the configured device lives.
func (c *Config) MapPath() string {
	return filepath.Join(c.StateDir, fmt.Sprintf("idmap-%d.cbor", c.Device.ID))
}

// ChangeLogName is the backend change-log checkpoint name of the device.
func (c *Config) ChangeLogName() string {
	return fmt.Sprintf("pilot-sync-calendar-%d", c.Device.ID)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".palmcal-config-*.tmp")
}

// WriteFileAtomic writes data to a temp file next to path, syncs it, sets
// 0600 and renames it over path. A crash at any point leaves either the
// old or the new content at path, never a partial file.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
