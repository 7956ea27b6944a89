package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/stationrelay/internal/protocol/session"
	"github.com/danmuck/stationrelay/internal/relay"
)

const (
	EnvConfigPath     = "RELAY_CONFIG_PATH"
	EnvListenAddr     = "RELAY_LISTEN_ADDR"
	EnvCoordinatorURL = "RELAY_COORDINATOR_URL"

	DefaultConfigPath = "cmd/relayctl/config.toml"
)

var ErrInvalidConfig = errors.New("invalid relay config")

// RelayConfig is the resolved configuration of one relay process.
type RelayConfig struct {
	ID                 string
	ListenAddr         string
	CoordinatorURL     string
	CORSOrigins        []string
	Session            session.Config
	SessionLogInterval time.Duration
	ShutdownTimeout    time.Duration
	StreamQueueSize    int
	StreamOverflow     relay.OverflowPolicy
}

func Default() RelayConfig {
	return RelayConfig{
		ID:                 "stationrelay",
		ListenAddr:         ":3000",
		CoordinatorURL:     "ws://localhost:5000",
		CORSOrigins:        []string{"http://localhost:3000"},
		Session:            session.DefaultConfig(),
		SessionLogInterval: 60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		StreamQueueSize:    relay.DefaultStreamQueueSize,
		StreamOverflow:     relay.OverflowBlock,
	}
}

// fileConfig mirrors the TOML keys. Durations are strings ("5s", "250ms").
type fileConfig struct {
	ID                   string   `toml:"id"`
	ListenAddr           string   `toml:"listen_addr"`
	CoordinatorURL       string   `toml:"coordinator_url"`
	CORSOrigins          []string `toml:"cors_origins"`
	ReconnectDelay       string   `toml:"reconnect_delay"`
	ReconnectMultiplier  float64  `toml:"reconnect_multiplier"`
	ReconnectMaxDelay    string   `toml:"reconnect_max_delay"`
	ReconnectJitter      bool     `toml:"reconnect_jitter"`
	PingInterval         string   `toml:"ping_interval"`
	CallTimeout          string   `toml:"call_timeout"`
	ConnectTimeout       string   `toml:"connect_timeout"`
	WriteTimeout         string   `toml:"write_timeout"`
	SessionLogInterval   string   `toml:"session_log_interval"`
	ShutdownTimeout      string   `toml:"shutdown_timeout"`
	StreamQueueSize      int      `toml:"stream_queue_size"`
	StreamOverflow       string   `toml:"stream_overflow"`
	TLSCAFile            string   `toml:"coordinator_tls_ca_file,omitempty"`
	TLSInsecureSkipVerif bool     `toml:"coordinator_tls_insecure_skip_verify,omitempty"`
	TLSServerName        string   `toml:"coordinator_tls_server_name,omitempty"`
}

// Load overlays the keys defined in path onto Default, applies environment
// overrides and validates the result.
func Load(path string) (RelayConfig, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return RelayConfig{}, fmt.Errorf("load relay config: %w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("coordinator_url") {
		cfg.CoordinatorURL = strings.TrimSpace(raw.CoordinatorURL)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reconnect_delay", raw.ReconnectDelay, &cfg.Session.Backoff.InitialDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &cfg.Session.Backoff.MaxDelay},
		{"ping_interval", raw.PingInterval, &cfg.Session.PingInterval},
		{"call_timeout", raw.CallTimeout, &cfg.Session.CallTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"session_log_interval", raw.SessionLogInterval, &cfg.SessionLogInterval},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return RelayConfig{}, fmt.Errorf("load relay config: parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	// the reconnect delay doubles as the ceiling unless one is given
	if meta.IsDefined("reconnect_delay") && !meta.IsDefined("reconnect_max_delay") {
		cfg.Session.Backoff.MaxDelay = cfg.Session.Backoff.InitialDelay
	}

	if meta.IsDefined("reconnect_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.ReconnectMultiplier
	}
	if meta.IsDefined("reconnect_jitter") {
		cfg.Session.Backoff.Jitter = raw.ReconnectJitter
	}
	if meta.IsDefined("stream_queue_size") {
		cfg.StreamQueueSize = raw.StreamQueueSize
	}
	if meta.IsDefined("stream_overflow") {
		policy, err := relay.ParseOverflowPolicy(raw.StreamOverflow)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
		}
		cfg.StreamOverflow = policy
	}
	if meta.IsDefined("coordinator_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("coordinator_tls_insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerif
	}
	if meta.IsDefined("coordinator_tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}

	cfg = ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists; a missing file yields Default with
// environment overrides applied.
func LoadOrDefault(path string) (RelayConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := ApplyEnv(Default(), os.Getenv)
		if err := Validate(cfg); err != nil {
			return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// ResolvePath picks the config path: explicit flag, then RELAY_CONFIG_PATH, then the default.
func ResolvePath(flagPath string, getenv func(string) string) string {
	if p := strings.TrimSpace(flagPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

func ApplyEnv(cfg RelayConfig, getenv func(string) string) RelayConfig {
	if v := strings.TrimSpace(getenv(EnvListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(getenv(EnvCoordinatorURL)); v != "" {
		cfg.CoordinatorURL = v
	}
	return cfg
}

func Validate(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}
	if err := cfg.Session.ValidateCoordinatorTransport(cfg.CoordinatorURL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Session.Backoff.Multiplier != 0 && cfg.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: reconnect_multiplier must be >= 1", ErrInvalidConfig)
	}
	if cfg.Session.CallTimeout < 0 {
		return fmt.Errorf("%w: call_timeout must not be negative", ErrInvalidConfig)
	}
	if cfg.StreamQueueSize <= 0 {
		return fmt.Errorf("%w: stream_queue_size must be positive", ErrInvalidConfig)
	}
	if _, err := relay.ParseOverflowPolicy(string(cfg.StreamOverflow)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
