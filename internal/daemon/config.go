package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sharefs/internal/artifacts"
	"sharefs/internal/cache"
)

// getConfigDir returns the config directory path.
// Uses SHAREFS_CONFIG_DIR env var if set, otherwise defaults to ~/.sharefs.
// Computed on every call so tests can point it at a temp dir.
func getConfigDir() string {
	if dir := os.Getenv("SHAREFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sharefs")
}

// daemonName returns the fixed daemon name "daemon".
func daemonName() string {
	return "daemon"
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".pid")
}

// LogPath returns the log file path.
// Uses SHAREFS_DAEMON_LOG env var if set, otherwise defaults to config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("SHAREFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), daemonName()+".log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), daemonName()+".lock")
}

// GlobalSettingsPath returns the global settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// RegistryPath returns the path of the mount registry database
func RegistryPath() string {
	return filepath.Join(getConfigDir(), daemonName()+"_mounts.db")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// GlobalSettings represents global daemon settings
type GlobalSettings struct {
	LogLevel      string   `yaml:"log_level"`      // trace, debug, info, warn, off (default: off)
	NFSPort       int      `yaml:"nfs_port"`       // 0 = pick a free port per mount
	TTLMillis     int      `yaml:"ttl_ms"`         // attribute cache lifetime
	MaxIO         int      `yaml:"max_io"`         // bytes per remote read/write
	DirBufSize    int      `yaml:"dirbuf_size"`    // bytes per listing buffer
	Exclude       []string `yaml:"exclude"`        // gitignore patterns hidden from all mounts
	Gitignore     bool     `yaml:"gitignore"`      // honor .gitignore files under host directories
	MetricsAddr   string   `yaml:"metrics_addr"`   // empty = no debug listener
	RestoreMounts bool     `yaml:"restore_mounts"` // re-create registry mounts on start
	BusyTimeout   int      `yaml:"busy_timeout"`   // registry busy_timeout (ms), 0 = default
}

// TTL returns the attribute cache lifetime. SHAREFS_NO_CACHE=1 forces zero.
func (s *GlobalSettings) TTL() time.Duration {
	if cache.Disabled || s.TTLMillis <= 0 {
		return 0
	}
	return time.Duration(s.TTLMillis) * time.Millisecond
}

// LoggingEnabled reports whether a log level other than "off"/"none" is set.
func (s *GlobalSettings) LoggingEnabled() bool {
	level := strings.ToLower(s.LogLevel)
	return level != "" && level != "none" && level != "off"
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadGlobalSettings loads the global settings from ~/.sharefs/settings.yaml.
// Keys missing from the file keep their embedded defaults.
func LoadGlobalSettings() (*GlobalSettings, error) {
	settings := loadDefaultGlobalSettings()
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", GlobalSettingsPath(), err)
	}
	return &settings, nil
}

// SaveGlobalSettings saves the global settings to ~/.sharefs/settings.yaml
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# ShareFS daemon settings\n# See: sharefs daemon --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}
