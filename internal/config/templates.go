package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# stationrelay configuration
# durations use Go syntax ("5s", "250ms"); call_timeout = "0s" waits forever.
# stream_overflow: "block" | "drop_oldest"
# RELAY_LISTEN_ADDR and RELAY_COORDINATOR_URL override the matching keys.

`

// Template renders a config file for kind: "relay" (plain ws) or "relay-tls".
func Template(kind string) (string, error) {
	cfg := Default()
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "relay":
	case "relay-tls":
		cfg.CoordinatorURL = "wss://coordinator.local:5443"
		cfg.Session.TLS.CAFile = "certs/coordinator-ca.pem"
		cfg.Session.TLS.ServerName = "coordinator.local"
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}

	out, err := toml.Marshal(toFile(cfg))
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return templateHeader + string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// CheckStrict decodes path with unknown keys rejected and reports the offending key.
func CheckStrict(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw fileConfig
	if err := dec.Decode(&raw); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): %w: %s", path, ErrInvalidConfig, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func toFile(cfg RelayConfig) fileConfig {
	return fileConfig{
		ID:                   cfg.ID,
		ListenAddr:           cfg.ListenAddr,
		CoordinatorURL:       cfg.CoordinatorURL,
		CORSOrigins:          cfg.CORSOrigins,
		ReconnectDelay:       cfg.Session.Backoff.InitialDelay.String(),
		ReconnectMultiplier:  cfg.Session.Backoff.Multiplier,
		ReconnectMaxDelay:    cfg.Session.Backoff.MaxDelay.String(),
		ReconnectJitter:      cfg.Session.Backoff.Jitter,
		PingInterval:         cfg.Session.PingInterval.String(),
		CallTimeout:          cfg.Session.CallTimeout.String(),
		ConnectTimeout:       cfg.Session.ConnectTimeout.String(),
		WriteTimeout:         cfg.Session.WriteTimeout.String(),
		SessionLogInterval:   cfg.SessionLogInterval.String(),
		ShutdownTimeout:      cfg.ShutdownTimeout.String(),
		StreamQueueSize:      cfg.StreamQueueSize,
		StreamOverflow:       string(cfg.StreamOverflow),
		TLSCAFile:            cfg.Session.TLS.CAFile,
		TLSInsecureSkipVerif: cfg.Session.TLS.InsecureSkipVerify,
		TLSServerName:        cfg.Session.TLS.ServerName,
	}
}
