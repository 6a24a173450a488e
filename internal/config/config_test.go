package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "csv", cfg.Storage.Type)
	assert.Equal(t, "data.csv", cfg.Storage.File)
	assert.Equal(t, 2*time.Second, cfg.Device.RetryDelay)
	assert.Equal(t, time.Second, cfg.Device.Interval)
}

func TestLoadYAMLWithDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sensorlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  tcp_addr: ":7000"
  read_timeout: 30s
storage:
  type: sqlite
  file: readings.db
device:
  interval: 250ms
  retry_delay: 1s
  retry_max_delay: 30s
  policy: hard
`), 0o644))

	cfg := LoadConfig(path)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":7000", cfg.Server.TCPAddr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 250*time.Millisecond, cfg.Device.Interval)
	assert.Equal(t, 30*time.Second, cfg.Device.RetryMaxDelay)
	assert.Equal(t, "hard", cfg.Device.Policy)
	// untouched keys keep their defaults
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadMissingOrBrokenFallsBack(t *testing.T) {
	dir := t.TempDir()
	cfg := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, DefaultConfig().Server, cfg.Server)

	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))
	cfg = LoadConfig(path)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENSORLINK_TCP_ADDR", ":9999")
	t.Setenv("SENSORLINK_DEVICE_ID", "42")
	t.Setenv("SENSORLINK_INTERVAL", "500ms")
	t.Setenv("SENSORLINK_MQTT_ENABLED", "yes")
	t.Setenv("SENSORLINK_MAX_SESSIONS", "not-a-number")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Equal(t, ":9999", cfg.Server.TCPAddr)
	assert.Equal(t, uint32(42), cfg.Device.DeviceID)
	assert.Equal(t, 500*time.Millisecond, cfg.Device.Interval)
	assert.True(t, cfg.Feeds.MQTT.Enabled)
	assert.Equal(t, 64, cfg.Server.MaxSessions)
}

func TestDotEnvDoesNotOverrideRealEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"# local overrides\nSENSORLINK_HTTP_ADDR=\":8181\"\nSENSORLINK_STORAGE_DIR=/from/dotenv\n"), 0o644))
	t.Setenv("SENSORLINK_STORAGE_DIR", "/from/env")
	// loadEnvFile sets variables directly; register them for cleanup
	t.Setenv("SENSORLINK_HTTP_ADDR", "")

	cfg := LoadConfig(filepath.Join(dir, "none.yaml"))
	assert.Equal(t, ":8181", cfg.Server.HTTPAddr)
	assert.Equal(t, "/from/env", cfg.Storage.Dir)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"storage type":    func(c *Config) { c.Storage.Type = "parquet" },
		"postgres dsn":    func(c *Config) { c.Storage.Type = "postgres" },
		"interval":        func(c *Config) { c.Device.Interval = 0 },
		"policy":          func(c *Config) { c.Device.Policy = "reboot" },
		"backoff range":   func(c *Config) { c.Device.RetryMaxDelay = time.Second },
		"field count":     func(c *Config) { c.Server.MaxFieldCount = 0 },
		"sink capacity":   func(c *Config) { c.Server.SinkCapacity = 0 },
		"mqtt qos":        func(c *Config) { c.Feeds.MQTT.QoS = 3 },
		"negative rows":   func(c *Config) { c.Storage.MaxRows = -1 },
		"negative faults": func(c *Config) { c.Device.MaxAttempts = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestToJSONHidesDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DSN = "postgres://user:secret@db/sensorlink"
	data, err := cfg.ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Contains(t, out, "server")
	assert.Contains(t, out, "device")
}
