package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStartPairingIssuesDistinctIDs(t *testing.T) {
	b := NewBroker(time.Minute)

	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := b.StartPairing(string(rune('a' + i%26)))
			if err != nil {
				t.Error(err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "pairing id %s issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestClaimExactlyOnce(t *testing.T) {
	b := NewBroker(time.Minute)
	id, err := b.StartPairing("conn-1")
	require.NoError(t, err)

	p, err := b.Claim(id)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", p.ConnectionID)

	_, err = b.Claim(id)
	assert.ErrorIs(t, err, ErrAlreadyRedeemed)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	b := NewBroker(time.Minute)
	id, err := b.StartPairing("conn-1")
	require.NoError(t, err)

	const racers = 32
	results := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			_, err := b.Claim(id)
			results <- err
		}()
	}
	start.Done()
	wg.Wait()
	close(results)

	var winners, alreadyRedeemed int
	for err := range results {
		switch {
		case err == nil:
			winners++
		case assert.ErrorIs(t, err, ErrAlreadyRedeemed):
			alreadyRedeemed++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent claim must win")
	assert.Equal(t, racers-1, alreadyRedeemed)
}

func TestClaimUnknownID(t *testing.T) {
	b := NewBroker(time.Minute)
	_, err := b.Claim("never-issued")
	assert.ErrorIs(t, err, ErrPairingNotFound)
}

func TestClaimExpired(t *testing.T) {
	b := NewBroker(time.Millisecond)
	id, err := b.StartPairing("conn-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = b.Claim(id)
	assert.ErrorIs(t, err, ErrPairingExpired)

	// Once expired the id is gone for good; a later claim sees NotFound,
	// never a successful redemption.
	_, err = b.Claim(id)
	assert.ErrorIs(t, err, ErrPairingNotFound)
}

func TestReleaseMakesPairingRetryable(t *testing.T) {
	b := NewBroker(time.Minute)
	id, err := b.StartPairing("conn-1")
	require.NoError(t, err)

	_, err = b.Claim(id)
	require.NoError(t, err)

	// Identity verification failed; the pairing goes back to the pool.
	b.Release(id)

	p, err := b.Claim(id)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", p.ConnectionID)
}

func TestStartPairingSupersedesPrevious(t *testing.T) {
	b := NewBroker(time.Minute)

	first, err := b.StartPairing("conn-1")
	require.NoError(t, err)
	second, err := b.StartPairing("conn-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// The stale QR code is permanently invalid.
	_, err = b.Claim(first)
	assert.ErrorIs(t, err, ErrPairingNotFound)

	_, err = b.Claim(second)
	assert.NoError(t, err)
}

func TestSweepDropsOnlyExpired(t *testing.T) {
	b := NewBroker(time.Minute)
	fresh, err := b.StartPairing("conn-fresh")
	require.NoError(t, err)

	stale, err := b.StartPairing("conn-stale")
	require.NoError(t, err)
	// Backdate the stale entry past its TTL.
	b.mu.Lock()
	b.pending[stale].CreatedAt = time.Now().Add(-2 * time.Minute)
	b.mu.Unlock()

	assert.Equal(t, 1, b.Sweep())
	assert.False(t, b.Outstanding(stale))
	assert.True(t, b.Outstanding(fresh))
}

// TestPairingLifecycleRapid drives random interleavings of the broker
// operations against a model of the single-redemption invariant.
func TestPairingLifecycleRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBroker(time.Minute)

		issued := make(map[string]bool)    // id -> known
		claimable := make(map[string]bool) // id -> currently redeemable
		var ids []string

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0: // start a pairing (possibly superseding)
				conn := rapid.SampledFrom([]string{"c1", "c2", "c3"}).Draw(t, "conn")
				id, err := b.StartPairing(conn)
				if err != nil {
					t.Fatal(err)
				}
				if issued[id] {
					t.Fatalf("pairing id %s issued twice", id)
				}
				issued[id] = true
				claimable[id] = true
				ids = append(ids, id)
				// Superseded entries for this conn become unclaimable.
				for _, other := range ids {
					if other != id && b.Outstanding(other) == false {
						claimable[other] = false
					}
				}
			case 1: // claim a known id
				if len(ids) == 0 {
					continue
				}
				id := rapid.SampledFrom(ids).Draw(t, "id")
				_, err := b.Claim(id)
				if claimable[id] {
					if err != nil {
						t.Fatalf("claim of redeemable %s failed: %v", id, err)
					}
					claimable[id] = false
				} else if err == nil {
					t.Fatalf("claim of consumed/superseded %s succeeded", id)
				}
			case 2: // release a known id (identity failure path)
				if len(ids) == 0 {
					continue
				}
				id := rapid.SampledFrom(ids).Draw(t, "id")
				wasOutstanding := b.Outstanding(id)
				b.Release(id)
				if wasOutstanding {
					claimable[id] = true
				}
			}
		}
	})
}
