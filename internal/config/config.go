package config

import "time"

// Config is the root configuration for the console monitor.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Stream   StreamConfig   `yaml:"stream"`
	Poller   PollerConfig   `yaml:"poller"`
	Registry RegistryConfig `yaml:"registry"`
	Database *DBConfig      `yaml:"database,omitempty"`
	Journal  JournalConfig  `yaml:"journal"`
	Health   HealthConfig   `yaml:"health"`
}

// APIConfig holds console backend API settings.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// StreamConfig holds job-update stream settings.
type StreamConfig struct {
	// Enabled turns the streaming connection on. When false the monitor
	// runs on the polling fallback alone.
	Enabled *bool `yaml:"enabled"`

	Path              string        `yaml:"path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BufferSize        int           `yaml:"buffer_size"`

	// Reconnect backoff.
	ReconnectDelays []time.Duration `yaml:"reconnect_delays"`
	ColdAttempts    int             `yaml:"cold_attempts"`
	WarmAttempts    int             `yaml:"warm_attempts"`
}

// PollerConfig holds polling fallback settings.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RegistryConfig holds active-run registry settings.
type RegistryConfig struct {
	// Retention is how long a terminal run stays visible before removal.
	Retention time.Duration `yaml:"retention"`
}

// DBConfig holds the optional journal database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// JournalConfig holds run-history journal settings.
type JournalConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// StreamEnabled reports whether the streaming connection should be used.
func (c *Config) StreamEnabled() bool {
	return c.Stream.Enabled == nil || *c.Stream.Enabled
}
