package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrPairingNotFound indicates the pairing id was never issued or has
	// already been swept.
	ErrPairingNotFound = errors.New("pairing not found")
	// ErrPairingExpired indicates the pairing's TTL elapsed before redemption.
	ErrPairingExpired = errors.New("pairing expired")
	// ErrAlreadyRedeemed indicates the pairing was consumed by an earlier
	// redemption. Unlike the other failures, this one is not retryable; a
	// fresh pairing must be started.
	ErrAlreadyRedeemed = errors.New("pairing already redeemed")
)

// PendingPairing is one outstanding QR pairing. Lifecycle: created by
// StartPairing, consumed exactly once by a successful claim, removed by the
// TTL sweep. The redeemed flag only ever transitions false→true under the
// broker lock (and back on Release, when identity verification failed and the
// pairing should stay retryable until TTL).
type PendingPairing struct {
	ID           string
	ConnectionID string
	CreatedAt    time.Time
	TTL          time.Duration
	redeemed     bool
}

// ExpiredAt reports whether the pairing's TTL has elapsed at the given time.
func (p *PendingPairing) ExpiredAt(now time.Time) bool {
	return now.After(p.CreatedAt.Add(p.TTL))
}

// Broker issues ephemeral pairing identifiers and redeems each at most once.
// A single mutex guards both maps; no external call ever happens under it —
// the redemption path claims the flag, verifies identity and mints tokens
// outside the lock, then releases the flag only on identity failure.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*PendingPairing
	byConn  map[string]string // connectionID -> its outstanding pairing id
	ttl     time.Duration
	metrics *Metrics
}

// NewBroker creates a broker issuing pairings with the given TTL.
func NewBroker(ttl time.Duration) *Broker {
	return &Broker{
		pending: make(map[string]*PendingPairing),
		byConn:  make(map[string]string),
		ttl:     ttl,
	}
}

// SetMetrics attaches metrics to the broker.
func (b *Broker) SetMetrics(metrics *Metrics) {
	b.metrics = metrics
}

// generatePairingID returns a fresh 128-bit crypto-random token.
func generatePairingID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// StartPairing reserves a fresh pairing for the given connection. Any
// previous pairing the connection still owns is superseded and becomes
// permanently invalid, so a stale QR code can never remain redeemable after
// the client requested a new one.
func (b *Broker) StartPairing(connectionID string) (string, error) {
	id, err := generatePairingID()
	if err != nil {
		return "", err
	}

	pairing := &PendingPairing{
		ID:           id,
		ConnectionID: connectionID,
		CreatedAt:    time.Now(),
		TTL:          b.ttl,
	}

	b.mu.Lock()
	if prev, ok := b.byConn[connectionID]; ok {
		delete(b.pending, prev)
	}
	b.pending[id] = pairing
	b.byConn[connectionID] = id
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordPairingStarted()
	}
	return id, nil
}

// Claim atomically consumes the pairing: exactly one concurrent claimer wins
// and receives the pairing; every later (or racing) claim fails with
// ErrAlreadyRedeemed. Expired entries are rejected lazily here as well as by
// the periodic sweep, so an expired pairing can never be redeemed.
func (b *Broker) Claim(pairingID string) (*PendingPairing, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pairing, ok := b.pending[pairingID]
	if !ok {
		return nil, ErrPairingNotFound
	}
	if pairing.ExpiredAt(time.Now()) {
		delete(b.pending, pairingID)
		if b.byConn[pairing.ConnectionID] == pairingID {
			delete(b.byConn, pairing.ConnectionID)
		}
		if b.metrics != nil {
			b.metrics.RecordPairingExpired()
		}
		return nil, ErrPairingExpired
	}
	if pairing.redeemed {
		return nil, ErrAlreadyRedeemed
	}
	pairing.redeemed = true
	return pairing, nil
}

// Release returns a claimed pairing to the redeemable pool. Called when the
// identity assertion failed verification: the pairing must stay retryable
// until its TTL, per the redemption contract.
func (b *Broker) Release(pairingID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pairing, ok := b.pending[pairingID]; ok {
		pairing.redeemed = false
	}
}

// Outstanding reports whether a pairing id is currently known (redeemed or
// not). Mostly useful in tests.
func (b *Broker) Outstanding(pairingID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[pairingID]
	return ok
}

// Sweep removes every expired pairing and returns how many were dropped.
func (b *Broker) Sweep() int {
	now := time.Now()

	b.mu.Lock()
	removed := 0
	for id, pairing := range b.pending {
		if pairing.ExpiredAt(now) {
			delete(b.pending, id)
			if b.byConn[pairing.ConnectionID] == id {
				delete(b.byConn, pairing.ConnectionID)
			}
			removed++
		}
	}
	b.mu.Unlock()

	if removed > 0 && b.metrics != nil {
		for i := 0; i < removed; i++ {
			b.metrics.RecordPairingExpired()
		}
	}
	return removed
}
