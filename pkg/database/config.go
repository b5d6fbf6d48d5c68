package database

import (
	"errors"
	"time"
)

// Config holds journal database configuration.
// ARCHITECTURAL DISCOVERY: An empty DatabasePath means "no journal"; callers
// check Enabled before opening anything.
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"database_path"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	// WriteTimeout bounds how long a write waits for the writer goroutine.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// RetryDelay is the pause before a failed write is retried once.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultConfig returns production-ready database configuration.
// FUNCTIONAL DISCOVERY: One writer plus a handful of readers is all the
// journal needs; reads only come from the admin API.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/smcp.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    5 * time.Second,
		RetryDelay:      500 * time.Millisecond,
	}
}

// Enabled reports whether a journal should be opened.
func (c *Config) Enabled() bool {
	return c != nil && c.DatabasePath != ""
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	if c.RetryDelay < 0 {
		return errors.New("retry delay cannot be negative")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string.
// TECHNICAL DISCOVERY: Pragmas passed in the DSN apply to every pooled
// connection, not only the first one.
func (c *Config) DSN() string {
	return "file:" + c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
}
