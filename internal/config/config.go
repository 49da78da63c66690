package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/connection"
	"github.com/rickgao/helpdesk-realtime/internal/hub"
)

// Config is the root configuration shared by deskwatch and pushd. Each
// command validates only the sections it uses.
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	API      APIConfig      `yaml:"api"`
	Hub      HubConfig      `yaml:"hub"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RealtimeConfig holds the client transport settings.
type RealtimeConfig struct {
	URL              string        `yaml:"url"`        // ws:// or wss:// hub endpoint
	SessionID        string        `yaml:"session_id"` // Empty = random per process
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxAttempts      int           `yaml:"max_attempts"` // -1 = retry forever
	MaxJitter        time.Duration `yaml:"max_jitter"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	StaleTimeout     time.Duration `yaml:"stale_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// ManagerConfig converts to the Connection Manager's configuration.
func (r RealtimeConfig) ManagerConfig() connection.ManagerConfig {
	cfg := connection.DefaultManagerConfig()
	cfg.URL = r.URL
	cfg.SessionID = r.SessionID
	cfg.Backoff = connection.Backoff{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		MaxAttempts:  r.MaxAttempts,
		MaxJitter:    r.MaxJitter,
	}
	cfg.Client.PingInterval = r.PingInterval
	cfg.Client.StaleTimeout = r.StaleTimeout
	cfg.Client.WriteTimeout = r.WriteTimeout
	cfg.Client.HandshakeTimeout = r.HandshakeTimeout
	return cfg
}

// APIConfig holds service desk REST settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// HubConfig holds push hub server settings.
type HubConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	NotifyChannel string        `yaml:"notify_channel"` // Postgres LISTEN channel
	SendBuffer    int           `yaml:"send_buffer"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// HubOptions converts to the hub package configuration.
func (h HubConfig) HubOptions() hub.Config {
	cfg := hub.DefaultConfig()
	cfg.SendBuffer = h.SendBuffer
	cfg.ReadTimeout = h.ReadTimeout
	cfg.WriteTimeout = h.WriteTimeout
	return cfg
}

// DatabaseConfig holds the Postgres connection pushd listens on.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
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

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel maps Level to a slog level. Unknown values map to Info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
