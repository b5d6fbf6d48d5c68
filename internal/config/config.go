package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"smcp/internal/session"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "SMCP_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	SocketIO SocketIOConfig `json:"socketio" yaml:"socketio"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Router   RouterConfig   `json:"router" yaml:"router"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type HTTPConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SocketIOConfig tunes the Engine.IO transport.
type SocketIOConfig struct {
	PingInterval     Duration `json:"ping_interval" yaml:"ping_interval"`
	PingTimeout      Duration `json:"ping_timeout" yaml:"ping_timeout"`
	WriteTimeout     Duration `json:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	QueueSize        int      `json:"queue_size" yaml:"queue_size"`
	MaxPayload       int64    `json:"max_payload" yaml:"max_payload"`
}

// AuthConfig holds the shared API key. An empty APIKey disables
// authentication.
type AuthConfig struct {
	Header string `json:"header" yaml:"header"`
	APIKey string `json:"api_key" yaml:"api_key"`
}

type RouterConfig struct {
	// UnassignedPolicy is "exclusive" or "shared".
	UnassignedPolicy     string   `json:"unassigned_policy" yaml:"unassigned_policy"`
	SingleAgentPerOffice bool     `json:"single_agent_per_office" yaml:"single_agent_per_office"`
	DefaultCallTimeout   Duration `json:"default_call_timeout" yaml:"default_call_timeout"`
	MaxCallTimeout       Duration `json:"max_call_timeout" yaml:"max_call_timeout"`
	BridgeGrace          Duration `json:"bridge_grace" yaml:"bridge_grace"`
	RatePerSecond        float64  `json:"rate_per_second" yaml:"rate_per_second"`
	RateBurst            int      `json:"rate_burst" yaml:"rate_burst"`
	NotifyQueueSize      int      `json:"notify_queue_size" yaml:"notify_queue_size"`
}

// DatabaseConfig configures the office event journal. An empty Path
// disables it.
type DatabaseConfig struct {
	Path           string   `json:"path" yaml:"path"`
	MaxConnections int      `json:"max_connections" yaml:"max_connections"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" yaml:"level"`
	// Format is text or json.
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		SocketIO: SocketIOConfig{
			PingInterval:     Duration(25 * time.Second),
			PingTimeout:      Duration(20 * time.Second),
			WriteTimeout:     Duration(5 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
			QueueSize:        100,
			MaxPayload:       1_000_000,
		},
		Auth: AuthConfig{
			Header: "x-api-key",
		},
		Router: RouterConfig{
			UnassignedPolicy:   session.UnassignedExclusive.String(),
			DefaultCallTimeout: Duration(30 * time.Second),
			MaxCallTimeout:     Duration(5 * time.Minute),
			BridgeGrace:        Duration(2 * time.Second),
			RatePerSecond:      50,
			RateBurst:          100,
			NotifyQueueSize:    1000,
		},
		Database: DatabaseConfig{
			Path:           "./data/smcp.db",
			MaxConnections: 10,
			WriteTimeout:   Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	// Port 0 asks the kernel for a free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.SocketIO.PingInterval <= 0 || c.SocketIO.PingTimeout <= 0 {
		return errors.New("socket.io ping interval and timeout must be positive")
	}
	if c.SocketIO.WriteTimeout <= 0 || c.SocketIO.HandshakeTimeout <= 0 {
		return errors.New("socket.io write and handshake timeouts must be positive")
	}
	if c.SocketIO.QueueSize <= 0 {
		return errors.New("socket.io queue size must be positive")
	}
	if c.SocketIO.MaxPayload <= 0 {
		return errors.New("socket.io max payload must be positive")
	}

	if c.Auth.Header == "" {
		return errors.New("auth header cannot be empty")
	}

	if _, ok := session.ParseUnassignedPolicy(c.Router.UnassignedPolicy); !ok {
		return fmt.Errorf("unknown unassigned policy %q", c.Router.UnassignedPolicy)
	}
	if c.Router.DefaultCallTimeout <= 0 {
		return errors.New("default call timeout must be positive")
	}
	if c.Router.MaxCallTimeout < c.Router.DefaultCallTimeout {
		return errors.New("max call timeout must not be below the default call timeout")
	}
	if c.Router.BridgeGrace < 0 {
		return errors.New("bridge grace cannot be negative")
	}
	if c.Router.RatePerSecond < 0 || c.Router.RateBurst < 0 {
		return errors.New("rate limits cannot be negative")
	}
	if c.Router.NotifyQueueSize <= 0 {
		return errors.New("notify queue size must be positive")
	}

	if c.Database.Path != "" {
		if c.Database.MaxConnections <= 0 {
			return errors.New("database max connections must be positive")
		}
		if c.Database.WriteTimeout <= 0 {
			return errors.New("database write timeout must be positive")
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Addr returns host:port for the listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// Policy returns the parsed unassigned policy.
func (c *Config) Policy() session.UnassignedPolicy {
	p, _ := session.ParseUnassignedPolicy(c.Router.UnassignedPolicy)
	return p
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", l.Level)
	}
	return level, nil
}

// LoadFromFile overlays the file at path onto the defaults. Files ending in
// .yaml or .yml are YAML; anything else is JSON.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.applyFile(path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv returns the defaults overridden by SMCP_* variables.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides fields from the environment lookup.
// FUNCTIONAL DISCOVERY: Environment variables override defaults with fallback
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("HTTP_HOST", &c.HTTP.Host)
	integer("HTTP_PORT", &c.HTTP.Port)
	duration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	duration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	duration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	duration("PING_INTERVAL", &c.SocketIO.PingInterval)
	duration("PING_TIMEOUT", &c.SocketIO.PingTimeout)
	integer("QUEUE_SIZE", &c.SocketIO.QueueSize)

	str("AUTH_HEADER", &c.Auth.Header)
	str("API_KEY", &c.Auth.APIKey)

	str("UNASSIGNED_POLICY", &c.Router.UnassignedPolicy)
	boolean("SINGLE_AGENT_PER_OFFICE", &c.Router.SingleAgentPerOffice)
	duration("CALL_TIMEOUT", &c.Router.DefaultCallTimeout)
	duration("MAX_CALL_TIMEOUT", &c.Router.MaxCallTimeout)
	duration("BRIDGE_GRACE", &c.Router.BridgeGrace)
	float("RATE_PER_SECOND", &c.Router.RatePerSecond)
	integer("RATE_BURST", &c.Router.RateBurst)

	// SMCP_DATABASE_PATH may be set to the empty string to disable the journal.
	if v, ok := lookup(EnvPrefix + "DATABASE_PATH"); ok {
		c.Database.Path = v
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// LoadConfigWithPrecedence resolves defaults < file < environment. Command
// line flags are applied by the caller on top of the result.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}
