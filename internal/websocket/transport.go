package websocket

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is the subset of *websocket.Conn the client relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Dialer opens transport connections. Tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// HandshakeTimeout bounds the opening handshake. Zero means defaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Header is sent with the upgrade request.
	Header http.Header
}

// Dial establishes a WebSocket connection, honouring proxy settings from the environment.
func (d GorillaDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	logger := log.With().
		Str("endpoint", endpoint).
		Bool("tlsInsecureSkip", d.TLSInsecureSkip).
		Dur("handshakeTimeout", timeout).
		Logger()

	logger.Debug().Msg("attempting websocket connection")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: d.TLSInsecureSkip},
		HandshakeTimeout: timeout,
	}

	header := d.Header
	if header == nil {
		header = make(http.Header)
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}
