package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharefs/internal/cache"
)

func TestDaemonName(t *testing.T) {
	// daemonName() always returns "daemon" - test isolation is via SHAREFS_CONFIG_DIR
	assert.Equal(t, "daemon", daemonName())
}

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("SHAREFS_CONFIG_DIR", "")

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".sharefs"), "should end with .sharefs")
	})

	t.Run("override with SHAREFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("SHAREFS_CONFIG_DIR", "/tmp/test-sharefs-config")
		assert.Equal(t, "/tmp/test-sharefs-config", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	t.Setenv("SHAREFS_CONFIG_DIR", t.TempDir())
	t.Setenv("SHAREFS_DAEMON_LOG", "")

	tests := []struct {
		name   string
		fn     func() string
		suffix string
	}{
		{"SocketPath", SocketPath, "daemon.sock"},
		{"PidPath", PidPath, "daemon.pid"},
		{"LogPath", LogPath, "daemon.log"},
		{"LockPath", LockPath, "daemon.lock"},
		{"GlobalSettingsPath", GlobalSettingsPath, "settings.yaml"},
		{"RegistryPath", RegistryPath, "daemon_mounts.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.fn()
			assert.True(t, strings.HasSuffix(path, tt.suffix),
				"%s() = %q should end with %q", tt.name, path, tt.suffix)
			assert.True(t, strings.HasPrefix(path, ConfigDir()),
				"%s() = %q should be in config dir %q", tt.name, path, ConfigDir())
		})
	}
}

func TestLogPathOverride(t *testing.T) {
	t.Setenv("SHAREFS_DAEMON_LOG", "/var/tmp/sharefs.log")
	assert.Equal(t, "/var/tmp/sharefs.log", LogPath())
}

func TestInitConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv("SHAREFS_CONFIG_DIR", dir)

	require.NoError(t, InitConfigDir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	data, err := os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err, "global settings file should be created")
	assert.Contains(t, string(data), "ttl_ms")

	// An existing file is left alone.
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("log_level: debug\n"), 0600))
	require.NoError(t, InitConfigDir())
	data, _ = os.ReadFile(GlobalSettingsPath())
	assert.Equal(t, "log_level: debug\n", string(data))
}

func TestGlobalSettings(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		t.Setenv("SHAREFS_CONFIG_DIR", t.TempDir())

		settings, err := LoadGlobalSettings()
		require.NoError(t, err)

		assert.Empty(t, settings.LogLevel)
		assert.Zero(t, settings.NFSPort)
		assert.Equal(t, 200, settings.TTLMillis)
		assert.Equal(t, 65536, settings.MaxIO)
		assert.Equal(t, 8192, settings.DirBufSize)
		assert.Equal(t, []string{".DS_Store"}, settings.Exclude)
		assert.False(t, settings.Gitignore)
		assert.Empty(t, settings.MetricsAddr)
		assert.False(t, settings.RestoreMounts)
		assert.Equal(t, 30000, settings.BusyTimeout)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		t.Setenv("SHAREFS_CONFIG_DIR", t.TempDir())
		require.NoError(t, EnsureConfigDir())
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("ttl_ms: 0\nexclude: [\"*.swp\"]\n"), 0600))

		settings, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Zero(t, settings.TTLMillis)
		assert.Equal(t, []string{"*.swp"}, settings.Exclude)
		assert.Equal(t, 65536, settings.MaxIO)
	})

	t.Run("malformed file", func(t *testing.T) {
		t.Setenv("SHAREFS_CONFIG_DIR", t.TempDir())
		require.NoError(t, EnsureConfigDir())
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("ttl_ms: [\n"), 0600))

		_, err := LoadGlobalSettings()
		assert.Error(t, err)
	})

	t.Run("save and load", func(t *testing.T) {
		t.Setenv("SHAREFS_CONFIG_DIR", t.TempDir())

		settings := &GlobalSettings{
			LogLevel:      "debug",
			NFSPort:       2049,
			TTLMillis:     1000,
			Exclude:       []string{"node_modules/"},
			RestoreMounts: true,
			BusyTimeout:   5000,
		}
		require.NoError(t, SaveGlobalSettings(settings))

		data, err := os.ReadFile(GlobalSettingsPath())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "# ShareFS daemon settings"))

		loaded, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "debug", loaded.LogLevel)
		assert.Equal(t, 2049, loaded.NFSPort)
		assert.Equal(t, 1000, loaded.TTLMillis)
		assert.Equal(t, []string{"node_modules/"}, loaded.Exclude)
		assert.True(t, loaded.RestoreMounts)
		assert.Equal(t, 5000, loaded.BusyTimeout)
	})
}

func TestGlobalSettingsTTL(t *testing.T) {
	if cache.Disabled {
		t.Skip("SHAREFS_NO_CACHE is set")
	}
	assert.Equal(t, 250*time.Millisecond, (&GlobalSettings{TTLMillis: 250}).TTL())
	assert.Zero(t, (&GlobalSettings{TTLMillis: 0}).TTL())
	assert.Zero(t, (&GlobalSettings{TTLMillis: -5}).TTL())
}

func TestLoggingEnabled(t *testing.T) {
	for level, want := range map[string]bool{"": false, "off": false, "None": false, "debug": true, "WARN": true} {
		assert.Equal(t, want, (&GlobalSettings{LogLevel: level}).LoggingEnabled(), "level %q", level)
	}
}
