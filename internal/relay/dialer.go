package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/stationrelay/internal/protocol/session"
	"github.com/danmuck/stationrelay/internal/protocol/wire"
	"github.com/gorilla/websocket"
)

// DefaultReadLimit bounds one inbound frame (audio chunks included).
const DefaultReadLimit = 8 * 1024 * 1024

// Dialer opens coordinator sockets. An empty sessionID dials the control endpoint.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// WSDialer dials ws(s)://<base> for control and ws(s)://<base>/<session id> per session.
type WSDialer struct {
	base      *url.URL
	dialer    websocket.Dialer
	readLimit int64
}

func NewWSDialer(baseURL string, cfg session.Config) (*WSDialer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateCoordinatorTransport(baseURL); err != nil {
		return nil, err
	}
	base, err := session.ParseCoordinatorURL(baseURL)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	return &WSDialer{
		base: base,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
		readLimit: DefaultReadLimit,
	}, nil
}

// URL returns the endpoint for sessionID, or the control endpoint when empty.
func (d *WSDialer) URL(sessionID string) string {
	u := *d.base
	if sessionID != "" {
		// validated ids need no escaping
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + sessionID
		u.RawPath = ""
	}
	return u.String()
}

func (d *WSDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	if sessionID != "" {
		if err := wire.ValidateSessionID(sessionID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	target := d.URL(sessionID)
	conn, resp, err := d.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(d.readLimit)
	return conn, nil
}
