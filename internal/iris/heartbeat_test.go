package iris

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatDecayToReconnect(t *testing.T) {
	table := newHeartbeatTable()
	peer := testPeer(0)
	start := time.Unix(1000, 0)
	table.add(peer, start)

	// Nothing happens during the connect grace period.
	assert.Empty(t, table.tick(start.Add(connectGrace-time.Millisecond)))

	// Without traffic the peer decays in exactly livenessMax polls.
	now := start.Add(connectGrace)
	for i := 0; i < livenessMax-1; i++ {
		expired := table.tick(now)
		assert.Empty(t, expired, "expired too early at poll %d", i)
		now = now.Add(heartbeatIntervalMin)
	}
	expired := table.tick(now)
	require.Equal(t, []PeerID{peer}, expired)

	// Once flagged inactive the ticker leaves the peer alone.
	assert.Empty(t, table.tick(now.Add(time.Hour)))
}

func TestHeartbeatRefreshResets(t *testing.T) {
	table := newHeartbeatTable()
	peer := testPeer(0)
	start := time.Unix(1000, 0)
	table.add(peer, start)

	now := start.Add(connectGrace)
	for i := 0; i < livenessMax-1; i++ {
		table.tick(now)
		now = now.Add(heartbeatIntervalMin)
	}

	// One received frame at the brink restores full liveness, so the
	// decay starts over.
	require.True(t, table.refresh(peer))

	for i := 0; i < livenessMax-1; i++ {
		expired := table.tick(now)
		assert.Empty(t, expired, "expired too early after refresh at poll %d", i)
		now = now.Add(heartbeatIntervalMin)
	}
	assert.Equal(t, []PeerID{peer}, table.tick(now))
}

func TestHeartbeatRefreshUnknownPeer(t *testing.T) {
	table := newHeartbeatTable()
	assert.False(t, table.refresh(testPeer(9)))
}

// decayToExpiry ticks a fresh peer until the ticker flags it for reconnect.
func decayToExpiry(t *testing.T, table *heartbeatTable, peer PeerID, from time.Time) time.Time {
	t.Helper()
	now := from.Add(connectGrace)
	for i := 0; i < livenessMax-1; i++ {
		require.Empty(t, table.tick(now))
		now = now.Add(heartbeatIntervalMin)
	}
	require.Equal(t, []PeerID{peer}, table.tick(now))
	return now
}

func TestHeartbeatBackoffSaturation(t *testing.T) {
	table := newHeartbeatTable()
	peer := testPeer(0)
	start := time.Unix(1000, 0)
	table.add(peer, start)

	now := decayToExpiry(t, table, peer, start)

	// A silent peer cycles through reconnects with the interval doubling
	// until it pins at the maximum. Liveness stays at 1 throughout: only
	// real traffic restores it, so every cycle expires after one poll.
	expected := heartbeatIntervalMin
	for i := 0; i < 12; i++ {
		require.True(t, table.applyReconnect(peer, now))
		expected *= 2
		if expected > heartbeatIntervalMax {
			expected = heartbeatIntervalMax
		}
		info := table.snapshot()[peer]
		assert.Equal(t, expected, info.Interval, "iteration %d", i)
		assert.Equal(t, 1, info.Liveness, "iteration %d", i)
		assert.False(t, info.Inactive)
		assert.Equal(t, now.Add(expected), info.NextPoll)

		now = now.Add(expected)
		require.Equal(t, []PeerID{peer}, table.tick(now), "iteration %d", i)
	}
	assert.Equal(t, heartbeatIntervalMax, table.snapshot()[peer].Interval)
}

func TestHeartbeatRefreshAfterReconnectResetsInterval(t *testing.T) {
	table := newHeartbeatTable()
	peer := testPeer(0)
	start := time.Unix(1000, 0)
	table.add(peer, start)

	now := decayToExpiry(t, table, peer, start)
	table.applyReconnect(peer, now)
	now = now.Add(4 * time.Second)
	require.Equal(t, []PeerID{peer}, table.tick(now))
	table.applyReconnect(peer, now)
	require.Equal(t, 8*time.Second, table.snapshot()[peer].Interval)
	require.Equal(t, 1, table.snapshot()[peer].Liveness)

	// First frame after recovery restores full liveness and snaps the
	// interval back to minimum.
	table.refresh(peer)
	info := table.snapshot()[peer]
	assert.Equal(t, heartbeatIntervalMin, info.Interval)
	assert.Equal(t, livenessMax, info.Liveness)
}

func TestHeartbeatReconnectUnknownPeer(t *testing.T) {
	table := newHeartbeatTable()
	assert.False(t, table.applyReconnect(testPeer(3), time.Unix(0, 0)))
}

// TestPeerSetMatchesHeartbeatKeyset drives random peer updates through the
// same normalize-then-apply path the broker uses and checks the peer set
// and heartbeat keyset never diverge.
func TestPeerSetMatchesHeartbeatKeyset(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pool := make([]PeerID, 8)
	for i := range pool {
		pool[i] = testPeer(i)
	}
	pick := func() []PeerID {
		var out []PeerID
		for _, p := range pool {
			if rng.Intn(3) == 0 {
				out = append(out, p)
			}
		}
		return out
	}

	rt := newRoutingTables(nil)
	hb := newHeartbeatTable()
	now := time.Unix(1000, 0)

	for iter := 0; iter < 300; iter++ {
		added, deleted := normalizeUpdate(rt.peers, pick(), pick())
		for _, p := range deleted {
			hb.remove(p)
		}
		for _, p := range added {
			hb.add(p, now)
		}
		rt.applyPeerUpdate(added, deleted)

		require.Equal(t, len(rt.peers), hb.size(), "iteration %d", iter)
		for _, p := range rt.peers {
			require.True(t, hb.has(p), "iteration %d: peer %s missing heartbeat entry", iter, p)
		}
	}
}
