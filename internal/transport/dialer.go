// Package transport carries room frames over a gorilla/websocket connection.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dialer opens room sockets under one server base URL
type Dialer struct {
	logger *zap.Logger
	base   *url.URL
	ws     *websocket.Dialer
	header http.Header
}

// NewDialer validates cfg.WSURL and builds a Dialer for it
func NewDialer(logger *zap.Logger, cfg config.ServerConfig) (*Dialer, error) {
	base, err := url.Parse(strings.TrimRight(cfg.WSURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport.NewDialer: %w", err)
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return nil, fmt.Errorf("transport.NewDialer: unsupported scheme %q", base.Scheme)
	}
	return &Dialer{
		logger: logger.Named("transport"),
		base:   base,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		header: http.Header{},
	}, nil
}

// URL returns the socket address of roomID
func (d *Dialer) URL(roomID string) string {
	u := *d.base
	u.Path = d.base.Path + fmt.Sprintf(cnst.RoomSocketPath, roomID)
	u.RawPath = d.base.EscapedPath() + fmt.Sprintf(cnst.RoomSocketPath, url.PathEscape(roomID))
	return u.String()
}

// Dial performs the websocket handshake. The returned Conn does not read
// until Start is called.
func (d *Dialer) Dial(ctx context.Context, roomID string) (*Conn, error) {
	target := d.URL(roomID)
	ws, resp, err := d.ws.DialContext(ctx, target, d.header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("transport.Dial: %s: handshake status %d: %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport.Dial: %s: %w", target, err)
	}
	d.logger.Debug("socket opened", zap.String("url", target))
	return newConn(d.logger.With(zap.String("room", roomID)), ws), nil
}
