package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/stationrelay/internal/protocol/session"
	"github.com/danmuck/stationrelay/internal/relay"
	"github.com/danmuck/stationrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
listen_addr = "127.0.0.1:4000"
coordinator_url = "ws://coordinator:5000/relay"
cors_origins = ["http://a.example", " ", "http://b.example"]
reconnect_delay = "2s"
call_timeout = "0s"
stream_overflow = "drop_oldest"
stream_queue_size = 32
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	require.Equal(t, def.ID, cfg.ID)
	require.Equal(t, "127.0.0.1:4000", cfg.ListenAddr)
	require.Equal(t, "ws://coordinator:5000/relay", cfg.CoordinatorURL)
	require.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.CORSOrigins)
	require.Equal(t, 2*time.Second, cfg.Session.Backoff.InitialDelay)
	require.Equal(t, 2*time.Second, cfg.Session.Backoff.MaxDelay)
	require.Equal(t, 1.0, cfg.Session.Backoff.Multiplier)
	require.Zero(t, cfg.Session.CallTimeout)
	require.Equal(t, def.Session.PingInterval, cfg.Session.PingInterval)
	require.Equal(t, relay.OverflowDropOldest, cfg.StreamOverflow)
	require.Equal(t, 32, cfg.StreamQueueSize)
	require.Equal(t, def.SessionLogInterval, cfg.SessionLogInterval)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvListenAddr, ":3100")
	t.Setenv(EnvCoordinatorURL, "wss://coordinator.example")
	path := writeConfig(t, `listen_addr = ":9999"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":3100", cfg.ListenAddr)
	require.Equal(t, "wss://coordinator.example", cfg.CoordinatorURL)
}

func TestLoadRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":     `listen_adr = ":3000"`,
		"bad duration":    `ping_interval = "soon"`,
		"bad overflow":    `stream_overflow = "drop_newest"`,
		"bad scheme":      `coordinator_url = "http://coordinator:5000"`,
		"tls over ws":     `coordinator_tls_server_name = "coordinator.local"`,
		"empty queue":     `stream_queue_size = 0`,
		"slow multiplier": `reconnect_multiplier = 0.5`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			require.Contains(t, err.Error(), "load relay config")
		})
	}

	_, err := Load(writeConfig(t, `coordinator_tls_ca_file = "ca.pem"`))
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorIs(t, err, session.ErrTLSRequiresWSS)
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvCoordinatorURL, "ws://10.0.0.5:5000")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, "ws://10.0.0.5:5000", cfg.CoordinatorURL)
	require.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestResolvePath(t *testing.T) {
	testlog.Start(t)
	env := map[string]string{EnvConfigPath: "/etc/relay.toml"}
	getenv := func(k string) string { return env[k] }

	require.Equal(t, "flag.toml", ResolvePath(" flag.toml ", getenv))
	require.Equal(t, "/etc/relay.toml", ResolvePath("", getenv))
	require.Equal(t, DefaultConfigPath, ResolvePath("", func(string) string { return "" }))
}

func TestTemplateLoadsBackToDefaults(t *testing.T) {
	testlog.Start(t)
	body, err := Template("relay")
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, CheckStrict(writeConfig(t, body)))

	tlsBody, err := Template("relay-tls")
	require.NoError(t, err)
	cfg, err = Load(writeConfig(t, tlsBody))
	require.NoError(t, err)
	require.Equal(t, "coordinator.local", cfg.Session.TLS.ServerName)

	_, err = Template("edge")
	require.Error(t, err)
}

func TestWriteTemplateRespectsOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, WriteTemplate(path, "relay", false))
	require.Error(t, WriteTemplate(path, "relay", false))
	require.NoError(t, WriteTemplate(path, "relay", true))
}

func TestCheckStrictReportsUnknownKey(t *testing.T) {
	testlog.Start(t)
	err := CheckStrict(writeConfig(t, "listen_addr = \":3000\"\nping_intervall = \"5s\"\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "ping_intervall")
}
