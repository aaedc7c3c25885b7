package server

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizzapp/relay/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// HandleWebSocket upgrades the request and runs the channel's read loop. One
// goroutine per channel reads and dispatches messages strictly in arrival
// order; different channels run concurrently with no cross-channel ordering.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		debugLog.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	conn := NewSafeConn(wsConn)
	ch, err := s.registry.Register(conn)
	if err != nil {
		errorLog.Printf("Failed to register channel for %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}

	debugLog.Printf("New channel %s from %s", ch.ID, conn.RemoteAddr())

	if s.config.Limits.MaxEnvelopeBytes > 0 {
		conn.SetReadLimit(int64(s.config.Limits.MaxEnvelopeBytes))
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		// A pong proves the peer is alive. Browsers answer ping control
		// frames automatically and send nothing else while quietly
		// subscribed, so pongs must count as activity or the idle sweep
		// would evict every quiet tab.
		ch.touch()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.wg.Add(1)
	go s.pingLoop(ch, conn)

	go s.readLoop(ch, conn)
}

// pingLoop keeps the websocket alive until the channel closes or the server
// shuts down.
func (s *Server) pingLoop(ch *Channel, conn *SafeConn) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if ch.State() == StateClosed {
				return
			}
			if err := conn.Ping(); err != nil {
				debugLog.Printf("Channel %s: ping failed: %v", ch.ID, err)
				return
			}
		}
	}
}

// readLoop handles messages for an established channel. A transport
// disconnect from either side immediately removes the channel from the
// registry; its outstanding pairing, if any, stays redeemable until TTL.
func (s *Server) readLoop(ch *Channel, conn *SafeConn) {
	defer s.registry.Remove(ch.ID)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Channel %s: read error: %v", ch.ID, err)
			} else {
				debugLog.Printf("Channel %s: client disconnected", ch.ID)
			}
			return
		}

		ch.touch()
		s.handleEnvelope(ch, data)
	}
}

// handleEnvelope parses one inbound message and dispatches it. No protocol
// violation is fatal to the transport: malformed input is answered with an
// ERROR envelope (when feasible) and unknown tags are dropped, the channel
// staying open either way.
func (s *Server) handleEnvelope(ch *Channel, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			debugLog.Printf("Channel %s: dropping envelope: %v", ch.ID, err)
			s.metrics.RecordEnvelopeReceived("unknown")
			return
		}
		debugLog.Printf("Channel %s: malformed envelope: %v", ch.ID, err)
		s.metrics.RecordEnvelopeReceived("malformed")
		s.sendEnvelope(ch, protocol.NewError(protocol.ErrCodeMalformed, "malformed envelope"))
		return
	}

	s.metrics.RecordEnvelopeReceived(env.Event)

	switch env.Event {
	case protocol.EventAuthViaTelegram:
		s.handleAuthViaTelegram(ch)
	case protocol.EventSubscribeUser:
		s.handleSubscribeUser(ch, env)
	case protocol.EventPing:
		s.sendEnvelope(ch, protocol.NewPong())
	}
}

// handleAuthViaTelegram reserves a pairing for the channel and replies with
// the identifier the client renders as a QR code. A repeat request supersedes
// the previous pairing.
func (s *Server) handleAuthViaTelegram(ch *Channel) {
	if err := ch.BeginPairing(); err != nil {
		debugLog.Printf("Channel %s: %v", ch.ID, err)
		s.sendEnvelope(ch, protocol.NewError(protocol.ErrCodeInvalidState, err.Error()))
		return
	}

	pairingID, err := s.broker.StartPairing(ch.ID)
	if err != nil {
		errorLog.Printf("Channel %s: failed to start pairing: %v", ch.ID, err)
		s.sendEnvelope(ch, protocol.NewError(protocol.ErrCodeInternal, "failed to start pairing"))
		return
	}

	debugLog.Printf("Channel %s: pairing %s issued", ch.ID, pairingID)
	s.sendEnvelope(ch, protocol.NewQRCodeAccess(pairingID))
}

// handleSubscribeUser validates the presented access token and binds the
// channel to the user it names. An invalid or expired token is rejected with
// an ERROR envelope and no state change.
func (s *Server) handleSubscribeUser(ch *Channel, env *protocol.Envelope) {
	token, err := env.StringData()
	if err != nil {
		debugLog.Printf("Channel %s: %v", ch.ID, err)
		s.sendEnvelope(ch, protocol.NewError(protocol.ErrCodeMalformed, "SUBSCRIBE_USER requires a token payload"))
		return
	}

	userID, err := s.tokens.VerifyAccess(token)
	if err != nil {
		debugLog.Printf("Channel %s: subscribe rejected: %v", ch.ID, err)
		s.sendEnvelope(ch, protocol.NewError(protocol.ErrCodeInvalidCredential, "invalid credential"))
		return
	}

	if err := s.registry.BindUser(ch.ID, userID); err != nil {
		// Only possible if the channel raced its own removal.
		debugLog.Printf("Channel %s: bind failed: %v", ch.ID, err)
		return
	}

	if err := s.db.UpdateUserLastSeen(userID); err != nil {
		log.Printf("Channel %s: failed to update last_seen for user %s: %v", ch.ID, userID, err)
	}

	debugLog.Printf("Channel %s: subscribed as user %s", ch.ID, userID)
}

// sendEnvelope writes an envelope to the channel, recording metrics. Write
// failures are logged; the read loop notices the dead transport on its own.
func (s *Server) sendEnvelope(ch *Channel, env *protocol.Envelope) {
	if err := ch.Conn.WriteEnvelope(env); err != nil {
		debugLog.Printf("Channel %s: write %s failed: %v", ch.ID, env.Event, err)
		return
	}
	s.metrics.RecordEnvelopeSent(env.Event)
}
