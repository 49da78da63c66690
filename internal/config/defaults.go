package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInitialDelay     = 3 * time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultMaxAttempts      = 10
	DefaultMaxJitter        = 1 * time.Second
	DefaultPingInterval     = 25 * time.Second
	DefaultStaleTimeout     = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAPITimeout       = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultListenAddr       = ":8080"
	DefaultNotifyChannel    = "desk_events"
	DefaultSendBuffer       = 64
	DefaultHubReadTimeout   = 90 * time.Second
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultLogLevel         = "info"
)

// ApplyDefaults fills every zero-valued optional field.
func (c *Config) ApplyDefaults() {
	// Realtime defaults
	r := &c.Realtime
	if r.InitialDelay == 0 {
		r.InitialDelay = DefaultInitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultMaxDelay
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.MaxJitter == 0 {
		r.MaxJitter = DefaultMaxJitter
	}
	if r.PingInterval == 0 {
		r.PingInterval = DefaultPingInterval
	}
	if r.StaleTimeout == 0 {
		r.StaleTimeout = DefaultStaleTimeout
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = DefaultWriteTimeout
	}
	if r.HandshakeTimeout == 0 {
		r.HandshakeTimeout = DefaultHandshakeTimeout
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Hub defaults
	if c.Hub.ListenAddr == "" {
		c.Hub.ListenAddr = DefaultListenAddr
	}
	if c.Hub.NotifyChannel == "" {
		c.Hub.NotifyChannel = DefaultNotifyChannel
	}
	if c.Hub.SendBuffer == 0 {
		c.Hub.SendBuffer = DefaultSendBuffer
	}
	if c.Hub.ReadTimeout == 0 {
		c.Hub.ReadTimeout = DefaultHubReadTimeout
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}

	applyDBDefaults(&c.Database.Postgres)

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
