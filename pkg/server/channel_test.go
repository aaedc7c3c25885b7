package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizzapp/relay/pkg/protocol"
)

// fakeConn records written envelopes in order and tracks Close calls.
type fakeConn struct {
	mu        sync.Mutex
	envelopes []*protocol.Envelope
	closed    bool
	failWrite bool
}

func (c *fakeConn) WriteEnvelope(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite || c.closed {
		return assert.AnError
	}
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, len(c.envelopes))
	copy(out, c.envelopes)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegisterAssignsUniqueUnboundChannels(t *testing.T) {
	r := NewRegistry()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ch, err := r.Register(&fakeConn{})
		require.NoError(t, err)
		assert.Len(t, ch.ID, 32) // 128 bits, hex-encoded
		assert.False(t, seen[ch.ID], "connection id %s issued twice", ch.ID)
		seen[ch.ID] = true
		assert.Equal(t, StateUnbound, ch.State())
	}
	assert.Equal(t, 100, r.CountActive())
}

func TestRemoveIsIdempotentAndReleasesTransport(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	ch, err := r.Register(conn)
	require.NoError(t, err)

	r.Remove(ch.ID)
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, 0, r.CountActive())

	// Second removal and unknown ids are no-ops.
	r.Remove(ch.ID)
	r.Remove("never-issued")
}

func TestBindUser(t *testing.T) {
	r := NewRegistry()
	ch, err := r.Register(&fakeConn{})
	require.NoError(t, err)

	require.NoError(t, r.BindUser(ch.ID, "user-1"))
	assert.Equal(t, StateSubscribed, ch.State())
	assert.Equal(t, "user-1", ch.UserID())

	err = r.BindUser("never-issued", "user-1")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestBroadcastToUser(t *testing.T) {
	r := NewRegistry()

	connA, connB, connC := &fakeConn{}, &fakeConn{}, &fakeConn{}
	chA, _ := r.Register(connA)
	chB, _ := r.Register(connB)
	chC, _ := r.Register(connC)

	require.NoError(t, r.BindUser(chA.ID, "user-1"))
	require.NoError(t, r.BindUser(chB.ID, "user-1"))
	require.NoError(t, r.BindUser(chC.ID, "user-2"))

	env := protocol.NewError(protocol.ErrCodeInternal, "ping")
	r.BroadcastToUser("user-1", env)

	assert.Len(t, connA.sent(), 1)
	assert.Len(t, connB.sent(), 1)
	assert.Empty(t, connC.sent(), "other users' channels must not receive the broadcast")

	// Unknown user: nothing happens.
	r.BroadcastToUser("user-99", env)
}

func TestBroadcastSkipsChannelsClosedMidBroadcast(t *testing.T) {
	r := NewRegistry()

	healthy, broken := &fakeConn{}, &fakeConn{failWrite: true}
	chHealthy, _ := r.Register(healthy)
	chBroken, _ := r.Register(broken)
	require.NoError(t, r.BindUser(chHealthy.ID, "user-1"))
	require.NoError(t, r.BindUser(chBroken.ID, "user-1"))

	r.BroadcastToUser("user-1", protocol.NewError(protocol.ErrCodeInternal, "x"))
	assert.Len(t, healthy.sent(), 1, "healthy channel still receives despite the broken one")
}

func TestRemovePrunesUserIndex(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	ch, _ := r.Register(conn)
	require.NoError(t, r.BindUser(ch.ID, "user-1"))

	r.Remove(ch.ID)
	r.BroadcastToUser("user-1", protocol.NewError(protocol.ErrCodeInternal, "x"))
	assert.Empty(t, conn.sent(), "removed channel must not receive broadcasts")
}

func TestRebindMovesChannelBetweenUsers(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	ch, _ := r.Register(conn)

	require.NoError(t, r.BindUser(ch.ID, "user-1"))
	require.NoError(t, r.BindUser(ch.ID, "user-2"))

	r.BroadcastToUser("user-1", protocol.NewError(protocol.ErrCodeInternal, "x"))
	assert.Empty(t, conn.sent())

	r.BroadcastToUser("user-2", protocol.NewError(protocol.ErrCodeInternal, "x"))
	assert.Len(t, conn.sent(), 1)
}

func TestChannelStateMachine(t *testing.T) {
	t.Run("begin pairing from unbound and again to supersede", func(t *testing.T) {
		ch := &Channel{state: StateUnbound}
		require.NoError(t, ch.BeginPairing())
		assert.Equal(t, StatePairingIssued, ch.State())
		require.NoError(t, ch.BeginPairing())
	})

	t.Run("begin pairing rejected once subscribed", func(t *testing.T) {
		ch := &Channel{state: StateSubscribed}
		assert.Error(t, ch.BeginPairing())
		assert.Equal(t, StateSubscribed, ch.State(), "rejected transition must not change state")
	})

	t.Run("mark authenticated advances early states only", func(t *testing.T) {
		ch := &Channel{state: StatePairingIssued}
		ch.MarkAuthenticated()
		assert.Equal(t, StateAuthenticated, ch.State())

		subscribed := &Channel{state: StateSubscribed}
		subscribed.MarkAuthenticated()
		assert.Equal(t, StateSubscribed, subscribed.State())
	})
}

func TestConcurrentRegistryMutation(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := r.Register(&fakeConn{})
			if err != nil {
				t.Error(err)
				return
			}
			if err := r.BindUser(ch.ID, "user-1"); err != nil {
				t.Error(err)
			}
			r.BroadcastToUser("user-1", protocol.NewError(protocol.ErrCodeInternal, "x"))
			r.Remove(ch.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.CountActive())
}
