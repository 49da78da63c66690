package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the sections every command shares.
func (c *Config) Validate() error {
	r := c.Realtime
	if r.InitialDelay <= 0 {
		return errors.New("realtime.initial_delay must be > 0")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("realtime.max_delay (%v) cannot be less than initial_delay (%v)", r.MaxDelay, r.InitialDelay)
	}
	if r.MaxJitter < 0 {
		return errors.New("realtime.max_jitter must be >= 0")
	}
	if r.StaleTimeout > 0 && r.PingInterval >= r.StaleTimeout {
		return fmt.Errorf("realtime.ping_interval (%v) must be less than stale_timeout (%v)", r.PingInterval, r.StaleTimeout)
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	return nil
}

// ValidateClient checks what deskwatch needs on top of Validate.
func (c *Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Realtime.URL == "" {
		return errors.New("realtime.url is required")
	}
	u, err := url.Parse(c.Realtime.URL)
	if err != nil {
		return fmt.Errorf("realtime.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("realtime.url scheme must be ws or wss, got %q", u.Scheme)
	}
	return nil
}

// ValidateServer checks what pushd needs on top of Validate.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Hub.ListenAddr == "" {
		return errors.New("hub.listen_addr is required")
	}
	if c.Hub.NotifyChannel == "" {
		return errors.New("hub.notify_channel is required")
	}
	if c.Hub.SendBuffer < 1 {
		return errors.New("hub.send_buffer must be >= 1")
	}
	return c.Database.Postgres.validate("database.postgres")
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
