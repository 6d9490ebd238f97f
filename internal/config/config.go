package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all storesync configuration
type Config struct {
	// Process settings
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`

	// Hosted data API the queue replays into
	Backend BackendConfig `json:"backend" yaml:"backend" toml:"backend"`

	// Local durable store for the queue backlog
	Storage StorageConfig `json:"storage" yaml:"storage" toml:"storage"`

	Queue      QueueConfig      `json:"queue" yaml:"queue" toml:"queue"`
	Optimistic OptimisticConfig `json:"optimistic" yaml:"optimistic" toml:"optimistic"`

	// Connectivity detection
	Network NetworkConfig `json:"network" yaml:"network" toml:"network"`

	// API token settings
	Auth AuthConfig `json:"auth" yaml:"auth" toml:"auth"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port" toml:"port"`
	DataDir  string `json:"dataDir" yaml:"dataDir" toml:"dataDir"`
	LogLevel string `json:"logLevel" yaml:"logLevel" toml:"logLevel"`
}

type BackendConfig struct {
	URL        string `json:"url" yaml:"url" toml:"url"`
	AnonKey    string `json:"anonKey,omitempty" yaml:"anonKey,omitempty" toml:"anonKey,omitempty"`
	ServiceKey string `json:"serviceKey,omitempty" yaml:"serviceKey,omitempty" toml:"serviceKey,omitempty"`
	// JWTSecret lets the daemon mint its own service-role tokens.
	JWTSecret      string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty" toml:"jwtSecret,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" toml:"timeoutSeconds"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"` // "sqlite", "file" or "memory"
	// Path defaults to a location under Server.DataDir.
	Path string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	// EncryptionKey seals stored values when set.
	EncryptionKey string `json:"encryptionKey,omitempty" yaml:"encryptionKey,omitempty" toml:"encryptionKey,omitempty"`
}

type QueueConfig struct {
	StorageKey string `json:"storageKey" yaml:"storageKey" toml:"storageKey"`
	MaxRetries int    `json:"maxRetries" yaml:"maxRetries" toml:"maxRetries"`
	// DrainSchedule is a cron spec for periodic drains, e.g. "@every 1m". Empty disables.
	DrainSchedule string `json:"drainSchedule,omitempty" yaml:"drainSchedule,omitempty" toml:"drainSchedule,omitempty"`
	// DropRejected drops actions the backend rejects outright instead of retrying them.
	DropRejected bool `json:"dropRejected,omitempty" yaml:"dropRejected,omitempty" toml:"dropRejected,omitempty"`
}

type OptimisticConfig struct {
	GraceWindowMs int `json:"graceWindowMs" yaml:"graceWindowMs" toml:"graceWindowMs"`
	// Reconcile resolves handed-off updates when the queue replays them.
	Reconcile bool `json:"reconcile" yaml:"reconcile" toml:"reconcile"`
	// StaleAfterMinutes rolls back failed updates older than this. 0 disables.
	StaleAfterMinutes int `json:"staleAfterMinutes,omitempty" yaml:"staleAfterMinutes,omitempty" toml:"staleAfterMinutes,omitempty"`
}

// Network modes.
const (
	NetworkProbe  = "probe"
	NetworkMQTT   = "mqtt"
	NetworkStatic = "static"
)

type NetworkConfig struct {
	Mode                 string     `json:"mode" yaml:"mode" toml:"mode"`
	ProbeURL             string     `json:"probeUrl,omitempty" yaml:"probeUrl,omitempty" toml:"probeUrl,omitempty"`
	ProbeIntervalSeconds int        `json:"probeIntervalSeconds" yaml:"probeIntervalSeconds" toml:"probeIntervalSeconds"`
	MQTT                 MQTTConfig `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
}

type MQTTConfig struct {
	Host     string `json:"host" yaml:"host" toml:"host"`
	Port     int    `json:"port" yaml:"port" toml:"port"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	Topic    string `json:"topic,omitempty" yaml:"topic,omitempty" toml:"topic,omitempty"`
}

type AuthConfig struct {
	// JWTSecret signs API tokens. Empty disables API authentication (dev mode).
	JWTSecret       string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty" toml:"jwtSecret,omitempty"`
	TokenTTLMinutes int    `json:"tokenTtlMinutes" yaml:"tokenTtlMinutes" toml:"tokenTtlMinutes"`
}

// Environment variables that override file values.
const (
	EnvBackendURL     = "SUPABASE_URL"
	EnvAnonKey        = "SUPABASE_ANON_KEY"
	EnvServiceKey     = "SUPABASE_SERVICE_KEY"
	EnvBackendSecret  = "SUPABASE_JWT_SECRET"
	EnvJWTSecret      = "JWT_SECRET"
	EnvPort           = "STORESYNC_PORT"
	EnvLogLevel       = "STORESYNC_LOG_LEVEL"
	EnvStorageKey     = "STORESYNC_STORAGE_KEY"
	EnvNetworkMode    = "STORESYNC_NETWORK_MODE"
	EnvDataDir        = "STORESYNC_DATA_DIR"
	defaultConfigName = "storesync.json"
)

// DefaultPath is the config file used when none is given.
var DefaultPath = defaultConfigName

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8430,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Backend: BackendConfig{
			TimeoutSeconds: 15,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Queue: QueueConfig{
			StorageKey: "offline_queue",
			MaxRetries: 3,
		},
		Optimistic: OptimisticConfig{
			GraceWindowMs: 5000,
		},
		Network: NetworkConfig{
			Mode:                 NetworkProbe,
			ProbeIntervalSeconds: 10,
			MQTT: MQTTConfig{
				Host:  "localhost",
				Port:  1883,
				Topic: "storesync/presence",
			},
		},
		Auth: AuthConfig{
			TokenTTLMinutes: 60 * 24,
		},
	}
}

// Load reads config from path, picking the decoder by extension (.json,
// .yaml/.yml, .toml). A .env file next to the config or in the working
// directory is loaded first; environment variables win over file values.
// A missing file at DefaultPath yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

func read(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	loadDotEnv(filepath.Dir(path))

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
		slog.Debug("no config file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// loadDotEnv loads .env from dir and the working directory. Existing
// environment variables are never overwritten.
func loadDotEnv(dir string) {
	candidates := []string{".env"}
	if dir != "" && dir != "." {
		candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("could not load .env file", "path", p, "error", err)
		}
	}
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Backend.URL, EnvBackendURL)
	setString(&c.Backend.AnonKey, EnvAnonKey)
	setString(&c.Backend.ServiceKey, EnvServiceKey)
	setString(&c.Backend.JWTSecret, EnvBackendSecret)
	setString(&c.Auth.JWTSecret, EnvJWTSecret)
	setString(&c.Server.LogLevel, EnvLogLevel)
	setString(&c.Server.DataDir, EnvDataDir)
	setString(&c.Storage.EncryptionKey, EnvStorageKey)
	setString(&c.Network.Mode, EnvNetworkMode)

	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			slog.Warn("ignoring invalid port from environment", "var", EnvPort, "value", v)
		}
	}
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := ParseLogLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Driver {
	case "sqlite", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite, file or memory", c.Storage.Driver))
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("queue.maxRetries must be at least 1, got %d", c.Queue.MaxRetries))
	}
	if c.Optimistic.GraceWindowMs < 0 {
		errs = append(errs, fmt.Errorf("optimistic.graceWindowMs must not be negative"))
	}
	switch c.Network.Mode {
	case NetworkProbe:
		if c.Network.ProbeURL == "" && c.Backend.URL == "" {
			errs = append(errs, fmt.Errorf("network.probeUrl or backend.url is required in probe mode"))
		}
		if c.Network.ProbeIntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("network.probeIntervalSeconds must be positive"))
		}
	case NetworkMQTT:
		if c.Network.MQTT.Host == "" {
			errs = append(errs, fmt.Errorf("network.mqtt.host is required in mqtt mode"))
		}
	case NetworkStatic:
	default:
		errs = append(errs, fmt.Errorf("network.mode %q must be probe, mqtt or static", c.Network.Mode))
	}
	return errors.Join(errs...)
}

// StoragePath returns the configured store location, defaulting under DataDir.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Driver == "file" {
		return filepath.Join(c.Server.DataDir, "queue")
	}
	return filepath.Join(c.Server.DataDir, "storesync.db")
}

// ProbeTarget returns the URL the connectivity prober polls.
func (c *Config) ProbeTarget() string {
	if c.Network.ProbeURL != "" {
		return c.Network.ProbeURL
	}
	return strings.TrimRight(c.Backend.URL, "/") + "/rest/v1/"
}

// GraceWindow returns the optimistic success grace window.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.Optimistic.GraceWindowMs) * time.Millisecond
}

// TokenTTL returns the lifetime of minted API tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Save writes config to path in the format its extension names.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(c)
		data = []byte(sb.String())
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
