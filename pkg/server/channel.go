package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bizzapp/relay/pkg/protocol"
)

// ErrUnknownConnection is returned when an operation names a connection id
// that is not (or no longer) registered.
var ErrUnknownConnection = errors.New("unknown connection")

// ChannelState is the per-channel lifecycle position.
type ChannelState uint8

const (
	// StateUnbound is the initial state of a freshly registered channel.
	StateUnbound ChannelState = iota
	// StatePairingIssued means a PendingPairing currently exists for this channel.
	StatePairingIssued
	// StateAuthenticated means a valid credential has arrived on this channel.
	StateAuthenticated
	// StateSubscribed means the channel is bound to a user and receives broadcasts.
	StateSubscribed
	// StateClosed is terminal; the transport is gone.
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StatePairingIssued:
		return "PAIRING_ISSUED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ChannelState(%d)", uint8(s))
	}
}

// ChannelConn is the registry's view of a channel's transport: ordered
// envelope writes and release. *SafeConn is the production implementation;
// reads stay with the connection's own read loop and never go through the
// registry.
type ChannelConn interface {
	WriteEnvelope(env *protocol.Envelope) error
	Close() error
}

// Channel represents one live client connection. The registry owns it for its
// lifetime: the transport handle transfers in on Register and is released on
// Remove.
type Channel struct {
	ID        string
	Conn      ChannelConn
	CreatedAt time.Time

	mu     sync.RWMutex // Protects state and userID
	state  ChannelState
	userID string // Set once the channel binds to a user

	lastActivity atomic.Int64 // Unix millis, bumped on every inbound message
}

// State returns the channel's current lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// UserID returns the bound user id, or "" while unbound.
func (ch *Channel) UserID() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.userID
}

// BeginPairing transitions to PAIRING_ISSUED. Legal from UNBOUND and from
// PAIRING_ISSUED itself (a repeat request supersedes the previous pairing).
func (ch *Channel) BeginPairing() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateUnbound && ch.state != StatePairingIssued {
		return fmt.Errorf("cannot start pairing in state %s", ch.state)
	}
	ch.state = StatePairingIssued
	return nil
}

// MarkAuthenticated records that a valid credential arrived on this channel,
// pushed by the pairing broker after redemption. A channel that already
// advanced past authentication keeps its state.
func (ch *Channel) MarkAuthenticated() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == StateUnbound || ch.state == StatePairingIssued {
		ch.state = StateAuthenticated
	}
}

func (ch *Channel) touch() {
	ch.lastActivity.Store(time.Now().UnixMilli())
}

// IdleSince reports the last inbound activity on this channel.
func (ch *Channel) IdleSince() time.Time {
	return time.UnixMilli(ch.lastActivity.Load())
}

// Registry tracks every live channel, keyed by connection id and additionally
// by user id once a channel authenticates. All methods are safe under
// arbitrary concurrent callers.
type Registry struct {
	mu           sync.RWMutex
	channels     map[string]*Channel
	userChannels map[string]map[string]*Channel // userID -> connectionID -> channel
	metrics      *Metrics
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels:     make(map[string]*Channel),
		userChannels: make(map[string]map[string]*Channel),
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// generateConnectionID returns a fresh 128-bit crypto-random identifier.
// Connection ids double as unguessable capability tokens, not just map keys.
func generateConnectionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate connection id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Register stores a new channel for the given transport and returns it. The
// registry owns the transport handle from this point on.
func (r *Registry) Register(conn ChannelConn) (*Channel, error) {
	id, err := generateConnectionID()
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		ID:        id,
		Conn:      conn,
		CreatedAt: time.Now(),
		state:     StateUnbound,
	}
	ch.touch()

	r.mu.Lock()
	r.channels[id] = ch
	count := len(r.channels)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveChannels(count)
		r.metrics.RecordChannelOpened()
	}

	return ch, nil
}

// Get returns a channel by connection id.
func (r *Registry) Get(connectionID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[connectionID]
	return ch, ok
}

// Remove drops a channel from the registry and releases its transport.
// Idempotent: removing an unknown or already-removed id is a no-op.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	ch, ok := r.channels[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.channels, connectionID)

	ch.mu.Lock()
	userID := ch.userID
	ch.state = StateClosed
	ch.mu.Unlock()

	if userID != "" {
		if set := r.userChannels[userID]; set != nil {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.userChannels, userID)
			}
		}
	}
	count := len(r.channels)
	r.mu.Unlock()

	ch.Conn.Close()

	if r.metrics != nil {
		r.metrics.RecordActiveChannels(count)
		r.metrics.RecordChannelClosed()
	}
}

// BindUser associates a channel with a user identity and transitions it to
// SUBSCRIBED, making it a target of BroadcastToUser. Fails with
// ErrUnknownConnection when the id is gone.
func (r *Registry) BindUser(connectionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[connectionID]
	if !ok {
		return ErrUnknownConnection
	}

	ch.mu.Lock()
	previous := ch.userID
	ch.userID = userID
	ch.state = StateSubscribed
	ch.mu.Unlock()

	// Re-binding to a different user moves the channel between index sets.
	if previous != "" && previous != userID {
		if set := r.userChannels[previous]; set != nil {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.userChannels, previous)
			}
		}
	}
	if r.userChannels[userID] == nil {
		r.userChannels[userID] = make(map[string]*Channel)
	}
	r.userChannels[userID][connectionID] = ch
	return nil
}

// BroadcastToUser sends an envelope to every live channel bound to the user.
// Channels that close mid-broadcast are silently skipped; the registry's next
// Remove prunes them.
func (r *Registry) BroadcastToUser(userID string, env *protocol.Envelope) {
	r.mu.RLock()
	set := r.userChannels[userID]
	targets := make([]*Channel, 0, len(set))
	for _, ch := range set {
		targets = append(targets, ch)
	}
	r.mu.RUnlock()

	for _, ch := range targets {
		if err := ch.Conn.WriteEnvelope(env); err != nil {
			debugLog.Printf("Channel %s: broadcast write failed: %v", ch.ID, err)
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordEnvelopeSent(env.Event)
		}
	}
}

// All returns a snapshot of every live channel.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	return channels
}

// CountActive returns the number of live channels.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll releases every channel. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.userChannels = make(map[string]map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		ch.state = StateClosed
		ch.mu.Unlock()
		ch.Conn.Close()
	}
}
