package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvBackendURL, EnvAnonKey, EnvServiceKey, EnvBackendSecret, EnvJWTSecret,
		EnvPort, EnvLogLevel, EnvStorageKey, EnvNetworkMode, EnvDataDir,
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "offline_queue", cfg.Queue.StorageKey)
	assert.Equal(t, 5000, cfg.Optimistic.GraceWindowMs)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, NetworkProbe, cfg.Network.Mode)
}

func TestLoadFormats(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	files := map[string]string{
		"config.json": `{"server":{"port":9001,"dataDir":"` + dataDir + `"},"backend":{"url":"https://db.example"},"queue":{"maxRetries":5}}`,
		"config.yaml": "server:\n  port: 9001\n  dataDir: " + dataDir + "\nbackend:\n  url: https://db.example\nqueue:\n  maxRetries: 5\n",
		"config.toml": "[server]\nport = 9001\ndataDir = \"" + dataDir + "\"\n[backend]\nurl = \"https://db.example\"\n[queue]\nmaxRetries = 5\n",
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			writeFile(t, path, content)

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 9001, cfg.Server.Port)
			assert.Equal(t, "https://db.example", cfg.Backend.URL)
			assert.Equal(t, 5, cfg.Queue.MaxRetries)
			assert.Equal(t, "offline_queue", cfg.Queue.StorageKey, "unset fields keep defaults")
			assert.DirExists(t, dataDir)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"server":{"dataDir":"`+filepath.Join(dir, "data")+`"},"backend":{"url":"https://file.example"}}`)

	t.Setenv(EnvBackendURL, "https://env.example")
	t.Setenv(EnvServiceKey, "service-key")
	t.Setenv(EnvJWTSecret, "api-secret")
	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.Backend.URL)
	assert.Equal(t, "service-key", cfg.Backend.ServiceKey)
	assert.Equal(t, "api-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"server":{"dataDir":"`+filepath.Join(dir, "data")+`"}}`)
	writeFile(t, filepath.Join(dir, ".env"), "SUPABASE_URL=https://dotenv.example\nSUPABASE_ANON_KEY=anon\n")

	// godotenv does not override variables that are already set, even empty
	// ones, so unset them for this test.
	require.NoError(t, os.Unsetenv(EnvBackendURL))
	require.NoError(t, os.Unsetenv(EnvAnonKey))
	t.Cleanup(func() {
		os.Unsetenv(EnvBackendURL)
		os.Unsetenv(EnvAnonKey)
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.example", cfg.Backend.URL)
	assert.Equal(t, "anon", cfg.Backend.AnonKey)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadBadSyntax(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults with backend", func(c *Config) {}, true},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, false},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, false},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, false},
		{"zero retries", func(c *Config) { c.Queue.MaxRetries = 0 }, false},
		{"probe without target", func(c *Config) { c.Backend.URL = "" }, false},
		{"probe with explicit url", func(c *Config) { c.Backend.URL = ""; c.Network.ProbeURL = "http://x" }, true},
		{"mqtt without host", func(c *Config) { c.Network.Mode = NetworkMQTT; c.Network.MQTT.Host = "" }, false},
		{"static", func(c *Config) { c.Network.Mode = NetworkStatic; c.Backend.URL = "" }, true},
		{"unknown mode", func(c *Config) { c.Network.Mode = "carrier-pigeon" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backend.URL = "https://db.example"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDerivedValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/storesync"
	cfg.Backend.URL = "https://db.example/"

	assert.Equal(t, filepath.Join("/var/lib/storesync", "storesync.db"), cfg.StoragePath())
	cfg.Storage.Driver = "file"
	assert.Equal(t, filepath.Join("/var/lib/storesync", "queue"), cfg.StoragePath())
	cfg.Storage.Path = "/tmp/q"
	assert.Equal(t, "/tmp/q", cfg.StoragePath())

	assert.Equal(t, "https://db.example/rest/v1/", cfg.ProbeTarget())
	assert.Equal(t, int64(5000), cfg.GraceWindow().Milliseconds())
	assert.Equal(t, float64(24), cfg.TokenTTL().Hours())
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLogLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	for _, name := range []string{"out.json", "out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.DataDir = filepath.Join(dir, "data")
			cfg.Backend.URL = "https://db.example"
			cfg.Queue.DrainSchedule = "@every 1m"
			cfg.Network.MQTT.Username = "device"

			path := filepath.Join(dir, name)
			require.NoError(t, cfg.Save(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}
