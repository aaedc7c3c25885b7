// Package client provides a Go client for the relay's channel protocol.
// It backs the loadtest tool and integration-style tests; browsers speak the
// same protocol over their native WebSocket API.
package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizzapp/relay/pkg/protocol"
)

// Connection is a synchronous channel client. It spawns no goroutines:
// sends and receives happen on the caller's schedule, which keeps per-client
// overhead low enough to run thousands of them in one loadtest process.
type Connection struct {
	addr   string
	conn   *websocket.Conn
	sendMu sync.Mutex
	recvMu sync.Mutex
	mu     sync.Mutex // protects closed
	closed bool
}

// NewConnection creates a connection to a relay at host:port. Call Connect
// before using it.
func NewConnection(addr string) *Connection {
	return &Connection{addr: addr}
}

// Connect opens the websocket channel.
func (c *Connection) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", c.addr), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the channel. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SendEnvelope writes one envelope synchronously.
func (c *Connection) SendEnvelope(env *protocol.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.mu.Unlock()

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReceiveEnvelope reads the next envelope, waiting up to timeout. PONG
// keepalive replies are skipped; everything else is returned as-is,
// including ERROR envelopes.
func (c *Connection) ReceiveEnvelope(timeout time.Duration) (*protocol.Envelope, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode failed: %w", err)
		}
		if env.Event == protocol.EventPong {
			continue
		}
		return &env, nil
	}
}

// RequestPairing asks the server for a fresh pairing id and waits for it.
func (c *Connection) RequestPairing(timeout time.Duration) (string, error) {
	err := c.SendEnvelope(&protocol.Envelope{
		Event:   protocol.EventAuthViaTelegram,
		Payload: json.RawMessage("null"),
	})
	if err != nil {
		return "", fmt.Errorf("request pairing: %w", err)
	}

	env, err := c.ReceiveEnvelope(timeout)
	if err != nil {
		return "", fmt.Errorf("wait for pairing id: %w", err)
	}
	if env.Event != protocol.EventTelegramQRCodeAccess {
		return "", fmt.Errorf("unexpected event %s, expected %s", env.Event, protocol.EventTelegramQRCodeAccess)
	}
	return env.StringData()
}

// AwaitCredential blocks until the server pushes a credential pair onto this
// channel (the result of an out-of-band pairing redemption).
func (c *Connection) AwaitCredential(timeout time.Duration) (*protocol.TokenData, error) {
	env, err := c.ReceiveEnvelope(timeout)
	if err != nil {
		return nil, fmt.Errorf("wait for credential: %w", err)
	}
	if env.Event != protocol.EventAccessTokenAccept {
		return nil, fmt.Errorf("unexpected event %s, expected %s", env.Event, protocol.EventAccessTokenAccept)
	}

	var tokens protocol.TokenPayload
	if err := json.Unmarshal(env.Payload, &tokens); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &tokens.Data, nil
}

// Subscribe binds the channel to the user the access token names.
func (c *Connection) Subscribe(accessToken string) error {
	payload, err := json.Marshal(protocol.StringPayload{Data: accessToken})
	if err != nil {
		return err
	}
	return c.SendEnvelope(&protocol.Envelope{
		Event:   protocol.EventSubscribeUser,
		Payload: payload,
	})
}

// Ping sends an application-level keepalive.
func (c *Connection) Ping() error {
	return c.SendEnvelope(&protocol.Envelope{
		Event:   protocol.EventPing,
		Payload: json.RawMessage("null"),
	})
}
