// Package config loads sensorlink configuration for both the ingestion
// service and the device node.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/sensorlink/internal/acquire"
	"github.com/shaunagostinho/sensorlink/internal/feed"
	"github.com/shaunagostinho/sensorlink/internal/session"
	"github.com/shaunagostinho/sensorlink/internal/storage"
	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// Config holds all sensorlink configuration.
type Config struct {
	mu sync.RWMutex

	// Ingestion service
	Server  ServerConfig   `yaml:"server" json:"server"`
	Storage storage.Config `yaml:"storage" json:"storage"`
	Feeds   FeedsConfig    `yaml:"feeds" json:"feeds"`

	// Device node
	Device DeviceConfig `yaml:"device" json:"device"`

	path string
}

type ServerConfig struct {
	TCPAddr       string        `yaml:"tcp_addr" json:"tcpAddr"`   // device link listener
	HTTPAddr      string        `yaml:"http_addr" json:"httpAddr"` // UI, API and metrics
	MaxSessions   int           `yaml:"max_sessions" json:"maxSessions"`
	MaxFieldCount int           `yaml:"max_field_count" json:"maxFieldCount"`
	ReadTimeout   time.Duration `yaml:"read_timeout" json:"readTimeout"` // 0 = wait forever
	WriteTimeout  time.Duration `yaml:"write_timeout" json:"writeTimeout"`
	SinkCapacity  int           `yaml:"sink_capacity" json:"sinkCapacity"`
	LogReadings   bool          `yaml:"log_readings" json:"logReadings"`
}

type FeedsConfig struct {
	WebSocket WebSocketConfig  `yaml:"websocket" json:"websocket"`
	MQTT      feed.MQTTConfig  `yaml:"mqtt" json:"mqtt"`
	Redis     feed.RedisConfig `yaml:"redis" json:"redis"`
	Buffer    int              `yaml:"buffer" json:"buffer"` // per-feed subscription buffer
}

type WebSocketConfig struct {
	History int `yaml:"history" json:"history"` // readings replayed to new clients
}

type DeviceConfig struct {
	ServerAddr       string         `yaml:"server_addr" json:"serverAddr"`
	DeviceID         uint32         `yaml:"device_id" json:"deviceId"`
	Interval         time.Duration  `yaml:"interval" json:"interval"`
	HandshakeTimeout time.Duration  `yaml:"handshake_timeout" json:"handshakeTimeout"`
	AckTimeout       time.Duration  `yaml:"ack_timeout" json:"ackTimeout"`
	DialTimeout      time.Duration  `yaml:"dial_timeout" json:"dialTimeout"`
	RetryDelay       time.Duration  `yaml:"retry_delay" json:"retryDelay"`
	RetryMaxDelay    time.Duration  `yaml:"retry_max_delay" json:"retryMaxDelay"` // > retry_delay enables exponential backoff
	Policy           string         `yaml:"policy" json:"policy"`                 // "soft" or "hard"
	MaxAttempts      int            `yaml:"max_attempts" json:"maxAttempts"`
	RestartCode      int            `yaml:"restart_code" json:"restartCode"` // exit status for a hard restart
	Acquire          acquire.Config `yaml:"acquire" json:"acquire"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:       ":12345",
			HTTPAddr:      ":8080",
			MaxSessions:   64,
			MaxFieldCount: wire.DefaultMaxFieldCount,
			WriteTimeout:  5 * time.Second,
			SinkCapacity:  1024,
		},
		Storage: storage.Config{
			Type: "csv",
			Dir:  ".",
			File: "data.csv",
		},
		Feeds: FeedsConfig{
			WebSocket: WebSocketConfig{History: 500},
			MQTT: feed.MQTTConfig{
				Broker:      "tcp://localhost:1883",
				ClientID:    "sensorlinkd",
				TopicPrefix: "sensorlink/readings",
				QoS:         0,
			},
			Redis: feed.RedisConfig{
				Addr:   "localhost:6379",
				TTL:    5 * time.Minute,
				Prefix: "sensorlink",
			},
			Buffer: 256,
		},
		Device: DeviceConfig{
			ServerAddr:       "localhost:12345",
			DeviceID:         1,
			Interval:         time.Second,
			HandshakeTimeout: 10 * time.Second,
			AckTimeout:       5 * time.Second,
			DialTimeout:      5 * time.Second,
			RetryDelay:       session.DefaultRetryDelay,
			RetryMaxDelay:    session.DefaultRetryDelay,
			Policy:           "soft",
			RestartCode:      3,
			Acquire: acquire.Config{
				Type:     "demo",
				PortPath: "/dev/ttyUSB0",
				BaudRate: 115200,
				Fields:   2,
			},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML file is not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config file, then the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const envPrefix = "SENSORLINK_"

// applyEnvOverrides reads SENSORLINK_* environment variables and overrides
// config values. Unparseable numbers and durations are logged and ignored.
func (c *Config) applyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Printf("[config] ignoring %s%s=%q: %v", envPrefix, name, v, err)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				log.Printf("[config] ignoring %s%s=%q: %v", envPrefix, name, v, err)
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}

	str("TCP_ADDR", &c.Server.TCPAddr)
	str("HTTP_ADDR", &c.Server.HTTPAddr)
	num("MAX_SESSIONS", &c.Server.MaxSessions)
	dur("READ_TIMEOUT", &c.Server.ReadTimeout)
	flag("LOG_READINGS", &c.Server.LogReadings)

	str("STORAGE_TYPE", &c.Storage.Type)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("STORAGE_DSN", &c.Storage.DSN)
	num("STORAGE_MAX_ROWS", &c.Storage.MaxRows)

	flag("MQTT_ENABLED", &c.Feeds.MQTT.Enabled)
	str("MQTT_BROKER", &c.Feeds.MQTT.Broker)
	flag("REDIS_ENABLED", &c.Feeds.Redis.Enabled)
	str("REDIS_ADDR", &c.Feeds.Redis.Addr)

	str("SERVER_ADDR", &c.Device.ServerAddr)
	if v := os.Getenv(envPrefix + "DEVICE_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Device.DeviceID = uint32(n)
		} else {
			log.Printf("[config] ignoring %sDEVICE_ID=%q: %v", envPrefix, v, err)
		}
	}
	dur("INTERVAL", &c.Device.Interval)
	dur("RETRY_DELAY", &c.Device.RetryDelay)
	str("POLICY", &c.Device.Policy)
	num("MAX_ATTEMPTS", &c.Device.MaxAttempts)
	str("ACQUIRE_TYPE", &c.Device.Acquire.Type)
	str("SERIAL_PORT", &c.Device.Acquire.PortPath)
	num("SERIAL_BAUD", &c.Device.Acquire.BaudRate)
}

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Server.MaxSessions >= 0, "server.max_sessions must not be negative")
	check(c.Server.MaxFieldCount > 0, "server.max_field_count must be positive")
	check(c.Server.SinkCapacity > 0, "server.sink_capacity must be positive")
	check(c.Server.ReadTimeout >= 0, "server.read_timeout must not be negative")
	check(c.Storage.MaxRows >= 0, "storage.max_rows must not be negative")
	switch c.Storage.Type {
	case "csv", "sqlite", "postgres":
	default:
		check(false, "storage.type %q is not csv, sqlite or postgres", c.Storage.Type)
	}
	check(c.Storage.Type != "postgres" || c.Storage.DSN != "", "storage.dsn is required for postgres")
	check(c.Feeds.MQTT.QoS <= 2, "feeds.mqtt.qos must be 0, 1 or 2")

	check(c.Device.Interval > 0, "device.interval must be positive")
	check(c.Device.RetryDelay > 0, "device.retry_delay must be positive")
	check(c.Device.RetryMaxDelay == 0 || c.Device.RetryMaxDelay >= c.Device.RetryDelay,
		"device.retry_max_delay must not be below retry_delay")
	check(c.Device.MaxAttempts >= 0, "device.max_attempts must not be negative")
	if _, err := session.ParsePolicy(c.Device.Policy); err != nil {
		check(false, "device.policy: %v", err)
	}
	return errors.Join(errs...)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
