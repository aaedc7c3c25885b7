package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizzapp/relay/pkg/protocol"
)

// SafeConn wraps a websocket connection with automatic write synchronization.
//
// Multiple goroutines may write to the same channel simultaneously: its own
// read-loop handler, the pairing redemption path, per-user broadcasts, and
// the keepalive pinger. gorilla/websocket permits at most one concurrent
// writer, so SafeConn encapsulates the connection together with its write
// mutex, making it impossible to write without synchronization.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteEnvelope marshals and sends an envelope as a text message. This is the
// ONLY way to write envelopes to the connection - the raw conn is private.
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping control frame.
func (sc *SafeConn) Ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadMessage reads the next message from the connection. Reads don't need
// write synchronization; only the channel's read loop calls this.
func (sc *SafeConn) ReadMessage() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address as a string.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

// SetReadLimit bounds the size of inbound messages.
func (sc *SafeConn) SetReadLimit(limit int64) {
	sc.conn.SetReadLimit(limit)
}

// SetReadDeadline sets the deadline for the next read.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// SetPongHandler installs the handler invoked on pong control frames.
func (sc *SafeConn) SetPongHandler(h func(string) error) {
	sc.conn.SetPongHandler(h)
}
