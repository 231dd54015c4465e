package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one full-duplex, message-oriented connection.
//
// Read is called from a single goroutine. Write, Ping and Close are safe for
// concurrent use.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens Transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// WSDialer dials websocket transports.
type WSDialer struct {
	// Header is sent with the handshake (e.g. Origin).
	Header http.Header
	// HTTPClient overrides the handshake client.
	HTTPClient *http.Client
	// Subprotocols offered during the handshake.
	Subprotocols []string
	// ReadLimit bounds inbound frames (default 1 MiB).
	ReadLimit int64
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: d.Subprotocols,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redactEndpoint(endpoint), err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxFrameBytes
	}
	conn.SetReadLimit(limit)

	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// isPeerClose reports whether err is an orderly close rather than a failure.
func isPeerClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// redactEndpoint strips query parameters (credentials) for logs and errors.
func redactEndpoint(endpoint string) string {
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == '?' {
			return endpoint[:i] + "?REDACTED"
		}
	}
	return endpoint
}
