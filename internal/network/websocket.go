package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeWait = 10 * time.Second

type wsConn struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(MaxFrameSize)
	return &wsConn{id: uuid.NewString(), conn: conn}
}

// NewUpgrader returns an upgrader accepting browser origins in allowedOrigins.
// An empty list accepts any origin; requests without an Origin header are
// always accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			return allowed[origin]
		},
	}
}

// Upgrade turns an HTTP request into a WebSocket Conn. On failure the
// upgrader has already replied to the client.
func Upgrade(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

// DialWebSocket connects to a relay at a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: %s", url, resp.Status)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return newWSConn(conn), nil
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		var wsErr *websocket.CloseError
		if errors.As(err, &wsErr) {
			return nil, NewCloseError(wsErr.Code, wsErr.Text)
		}
		return nil, err
	}
	return b, nil
}

func (c *wsConn) WriteFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}
