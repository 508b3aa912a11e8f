package homee

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Subprotocol is the Sec-WebSocket-Protocol the hub speaks.
	Subprotocol = "v2"

	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 5 * time.Second

	writeWait = 10 * time.Second
)

// Conn is an open socket to the hub. ReadMessage is called from a single
// reader goroutine; every other method from the client's event loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	SetPongHandler(fn func())
	// Close performs the closing handshake with code and reason.
	Close(code int, reason string) error
	// Terminate drops the connection without a closing handshake.
	Terminate() error
}

// Dialer opens sockets to the hub.
type Dialer interface {
	Dial(ctx context.Context, url, origin string) (Conn, error)
}

// WebSocketDialer dials the hub with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens url with the "v2" subprotocol and origin as Origin header.
func (d WebSocketDialer) Dial(ctx context.Context, url, origin string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) SetPongHandler(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		_ = c.conn.Close()
		return err
	}
	// The reader observes the peer's close frame and returns; the socket is
	// released either way.
	return c.conn.Close()
}

func (c *wsConn) Terminate() error {
	return c.conn.Close()
}

// closeReason turns a read error into the reason reported with DisconnectedEvent.
func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return fmt.Sprintf("%d %s", ce.Code, ce.Text)
		}
		return fmt.Sprintf("%d", ce.Code)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
