package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
realtime:
  url: wss://desk.example.com/ws
  session_id: agent-42
  initial_delay: 2s
  max_attempts: 5
api:
  rest_url: https://desk.example.com/api/v1
hub:
  listen_addr: ":9090"
database:
  postgres:
    host: localhost
    port: 5432
    name: desk
    user: desk
    password: deskpass
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Realtime.URL != "wss://desk.example.com/ws" {
		t.Errorf("Realtime.URL = %q", cfg.Realtime.URL)
	}
	if cfg.Realtime.SessionID != "agent-42" {
		t.Errorf("Realtime.SessionID = %q, want %q", cfg.Realtime.SessionID, "agent-42")
	}
	if cfg.Realtime.InitialDelay != 2*time.Second {
		t.Errorf("Realtime.InitialDelay = %v, want 2s", cfg.Realtime.InitialDelay)
	}
	if cfg.Realtime.MaxAttempts != 5 {
		t.Errorf("Realtime.MaxAttempts = %d, want 5", cfg.Realtime.MaxAttempts)
	}
	if cfg.API.RestURL != "https://desk.example.com/api/v1" {
		t.Errorf("API.RestURL = %q", cfg.API.RestURL)
	}
	if cfg.Hub.ListenAddr != ":9090" {
		t.Errorf("Hub.ListenAddr = %q, want %q", cfg.Hub.ListenAddr, ":9090")
	}
	if cfg.Database.Postgres.Host != "localhost" {
		t.Errorf("Database.Postgres.Host = %q, want %q", cfg.Database.Postgres.Host, "localhost")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_API_KEY", "key-abc")

	yaml := `
api:
  api_key: ${TEST_API_KEY}
database:
  postgres:
    host: localhost
    name: desk
    user: desk
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Postgres.Password != "secret123" {
		t.Errorf("Password = %q, want %q", cfg.Database.Postgres.Password, "secret123")
	}
	if cfg.API.APIKey != "key-abc" {
		t.Errorf("APIKey = %q, want %q", cfg.API.APIKey, "key-abc")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Errorf("missing file error = %v", err)
	}

	path := writeTempFile(t, "realtime: [not, a, map")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("bad yaml error = %v", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
realtime:
  url: ws://localhost:8080/ws
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	r := cfg.Realtime
	if r.InitialDelay != DefaultInitialDelay {
		t.Errorf("InitialDelay = %v, want %v", r.InitialDelay, DefaultInitialDelay)
	}
	if r.MaxDelay != DefaultMaxDelay {
		t.Errorf("MaxDelay = %v, want %v", r.MaxDelay, DefaultMaxDelay)
	}
	if r.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", r.MaxAttempts, DefaultMaxAttempts)
	}
	if r.MaxJitter != DefaultMaxJitter {
		t.Errorf("MaxJitter = %v, want %v", r.MaxJitter, DefaultMaxJitter)
	}
	if cfg.Hub.NotifyChannel != DefaultNotifyChannel {
		t.Errorf("NotifyChannel = %q, want %q", cfg.Hub.NotifyChannel, DefaultNotifyChannel)
	}
	if cfg.Hub.SendBuffer != DefaultSendBuffer {
		t.Errorf("SendBuffer = %d, want %d", cfg.Hub.SendBuffer, DefaultSendBuffer)
	}
	if cfg.Database.Postgres.Port != DefaultDBPort {
		t.Errorf("Postgres.Port = %d, want %d", cfg.Database.Postgres.Port, DefaultDBPort)
	}
	if cfg.Database.Postgres.SSLMode != DefaultDBSSLMode {
		t.Errorf("Postgres.SSLMode = %q, want %q", cfg.Database.Postgres.SSLMode, DefaultDBSSLMode)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, DefaultLogLevel)
	}
}

func TestUnlimitedAttemptsSurvivesDefaults(t *testing.T) {
	path := writeTempFile(t, "realtime:\n  max_attempts: -1\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Realtime.MaxAttempts != -1 {
		t.Errorf("MaxAttempts = %d, want -1", cfg.Realtime.MaxAttempts)
	}
	if cfg.Realtime.ManagerConfig().Backoff.Exhausted(1000) {
		t.Error("negative max_attempts should never exhaust")
	}
}

func TestRealtimeManagerConfig(t *testing.T) {
	cfg := Default()
	cfg.Realtime.URL = "ws://hub/ws"
	cfg.Realtime.SessionID = "s-1"
	cfg.Realtime.StaleTimeout = 45 * time.Second

	mc := cfg.Realtime.ManagerConfig()
	if mc.URL != "ws://hub/ws" || mc.SessionID != "s-1" {
		t.Errorf("ManagerConfig = %+v", mc)
	}
	if mc.Backoff.InitialDelay != DefaultInitialDelay || mc.Backoff.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Backoff = %+v", mc.Backoff)
	}
	if mc.Client.StaleTimeout != 45*time.Second {
		t.Errorf("Client.StaleTimeout = %v, want 45s", mc.Client.StaleTimeout)
	}
	if mc.Client.BufferSize == 0 {
		t.Error("Client.BufferSize should keep its default")
	}
}

func TestHubOptions(t *testing.T) {
	cfg := Default()
	cfg.Hub.SendBuffer = 8

	hc := cfg.Hub.HubOptions()
	if hc.SendBuffer != 8 {
		t.Errorf("SendBuffer = %d, want 8", hc.SendBuffer)
	}
	if hc.ReadTimeout != DefaultHubReadTimeout {
		t.Errorf("ReadTimeout = %v, want %v", hc.ReadTimeout, DefaultHubReadTimeout)
	}
	if hc.ReadLimit == 0 {
		t.Error("ReadLimit should keep its default")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LoggingConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func validClientConfig() *Config {
	cfg := Default()
	cfg.Realtime.URL = "wss://desk.example.com/ws"
	return cfg
}

func validServerConfig() *Config {
	cfg := Default()
	cfg.Database.Postgres = DBConfig{
		Host:     "localhost",
		Port:     5432,
		Name:     "desk",
		User:     "desk",
		Password: "pass",
		SSLMode:  "disable",
		MaxConns: 4,
		MinConns: 1,
	}
	return cfg
}

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing url",
			modify:  func(c *Config) { c.Realtime.URL = "" },
			wantErr: "realtime.url is required",
		},
		{
			name:    "http scheme",
			modify:  func(c *Config) { c.Realtime.URL = "https://desk.example.com/ws" },
			wantErr: "scheme must be ws or wss",
		},
		{
			name: "max below initial",
			modify: func(c *Config) {
				c.Realtime.InitialDelay = 10 * time.Second
				c.Realtime.MaxDelay = 5 * time.Second
			},
			wantErr: "cannot be less than initial_delay",
		},
		{
			name:    "negative jitter",
			modify:  func(c *Config) { c.Realtime.MaxJitter = -time.Second },
			wantErr: "max_jitter must be >= 0",
		},
		{
			name: "ping slower than stale timeout",
			modify: func(c *Config) {
				c.Realtime.PingInterval = time.Minute
				c.Realtime.StaleTimeout = 30 * time.Second
			},
			wantErr: "ping_interval",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validClientConfig()
			tt.modify(cfg)
			checkErr(t, cfg.ValidateClient(), tt.wantErr)
		})
	}
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Database.Postgres.Host = "" },
			wantErr: "database.postgres.host is required",
		},
		{
			name:    "missing password",
			modify:  func(c *Config) { c.Database.Postgres.Password = "" },
			wantErr: "database.postgres.password is required",
		},
		{
			name: "min exceeds max",
			modify: func(c *Config) {
				c.Database.Postgres.MinConns = 8
				c.Database.Postgres.MaxConns = 2
			},
			wantErr: "min_conns (8) cannot exceed max_conns (2)",
		},
		{
			name:    "empty notify channel",
			modify:  func(c *Config) { c.Hub.NotifyChannel = "" },
			wantErr: "hub.notify_channel is required",
		},
		{
			name:    "zero send buffer",
			modify:  func(c *Config) { c.Hub.SendBuffer = 0 },
			wantErr: "hub.send_buffer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validServerConfig()
			tt.modify(cfg)
			checkErr(t, cfg.ValidateServer(), tt.wantErr)
		})
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "logging:\n  level: verbose\n")

	_, err := LoadAndValidate(path)
	if err == nil || !strings.Contains(err.Error(), "validate config") {
		t.Errorf("LoadAndValidate error = %v, want validate config error", err)
	}
}

func checkErr(t *testing.T, err error, want string) {
	t.Helper()
	if want == "" {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		return
	}
	if err == nil {
		t.Fatalf("expected error containing %q", want)
	}
	if !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want containing %q", err, want)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
