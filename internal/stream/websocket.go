package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeWait = 10 * time.Second

// Conn is one open stream connection carrying JSON messages
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// Dialer opens stream connections
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the stream server over a websocket
type WebsocketDialer struct {
	URL              string
	Token            string
	ReadLimit        int64
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Dial opens a websocket and applies the read limit. The bearer token is
// sent on the handshake.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 45 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrapf(ErrUnauthorized, "dial %s: %s", d.URL, resp.Status)
		}
		return nil, errors.Wrapf(err, "failed to dial %s", d.URL)
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) WriteJSON(v interface{}) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// ReadJSON waits at most readTimeout for the next message. Heartbeats from
// the server keep an idle stream inside the deadline.
func (c *wsConn) ReadJSON(v interface{}) error {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return err
		}
	}
	return c.conn.ReadJSON(v)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
