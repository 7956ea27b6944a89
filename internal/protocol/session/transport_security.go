package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

var (
	ErrCoordinatorURLRequired = errors.New("session: coordinator url required")
	ErrInvalidCoordinatorURL  = errors.New("session: invalid coordinator url")
	ErrTLSRequiresWSS         = errors.New("session: tls settings require a wss coordinator url")
	ErrTLSCAFileUnreadable    = errors.New("session: tls ca file unreadable")
)

// ParseCoordinatorURL validates a ws:// or wss:// base endpoint.
func ParseCoordinatorURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrCoordinatorURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinatorURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidCoordinatorURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidCoordinatorURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%w: query and fragment are not supported", ErrInvalidCoordinatorURL)
	}
	return u, nil
}

func (c Config) ValidateCoordinatorTransport(rawURL string) error {
	u, err := ParseCoordinatorURL(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme == "ws" && c.TLS.enabled() {
		return ErrTLSRequiresWSS
	}
	return nil
}

func (t TLSConfig) enabled() bool {
	return strings.TrimSpace(t.CAFile) != "" || strings.TrimSpace(t.ServerName) != "" || t.InsecureSkipVerify
}

// ClientTLSConfig builds the dialer tls config; nil when nothing overrides the system defaults.
func (c Config) ClientTLSConfig() (*tls.Config, error) {
	if !c.TLS.enabled() {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
	}
	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSCAFileUnreadable, err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("session: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
