package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxMessageSize is the largest websocket message sent; longer writes are
// split across several messages.
const MaxMessageSize = 65530

const (
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = time.Second
)

// Websocket is a remote emulator reached through a websocket server.
type Websocket struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

// DialWebsocket connects to url (ws:// or wss://).
func DialWebsocket(ctx context.Context, url string) (*Websocket, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewWebsocket(conn), nil
}

// NewWebsocket wraps an established connection.
func NewWebsocket(conn *websocket.Conn) *Websocket {
	return &Websocket{conn: conn}
}

// ReadChunk returns the next message.
func (w *Websocket) ReadChunk() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

// Write sends p as one or more text messages of at most MaxMessageSize bytes.
func (w *Websocket) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(p) > 0 {
		n := min(len(p), MaxMessageSize)
		if err := w.conn.WriteMessage(websocket.TextMessage, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Close sends a close frame and then drops the connection.
func (w *Websocket) Close() error {
	w.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	w.mu.Unlock()
	return w.conn.Close()
}

// Kill drops the connection without a close handshake.
func (w *Websocket) Kill() error {
	return w.conn.Close()
}

func (w *Websocket) Remote() bool { return true }
