package iris

import (
	"sync"
	"time"
)

// Liveness is driven entirely by traffic the peer sends, including its
// periodic publications on the heartbeat topic; the broker never sends
// heartbeat requests of its own. A silent peer survives livenessMax poll
// intervals before a reconnect is forced, and each forced reconnect doubles
// the poll interval up to heartbeatIntervalMax.
const (
	heartbeatIntervalMin = 2 * time.Second
	heartbeatIntervalMax = 32 * time.Second
	livenessMax          = 5

	// Grace period for a freshly added peer, letting the sockets finish
	// connecting before the ticker starts pressuring it.
	connectGrace = 2 * time.Second

	tickResolution = 50 * time.Millisecond
)

// heartbeatState tracks liveness for one connected peer.
type heartbeatState struct {
	interval time.Duration
	liveness int
	nextPoll time.Time
	// inactive suppresses further ticker decrements while a reconnect
	// request for this peer is in flight.
	inactive bool
}

// HeartbeatInfo is a read-only snapshot of one peer's liveness state.
type HeartbeatInfo struct {
	Interval time.Duration `json:"interval"`
	Liveness int           `json:"liveness"`
	NextPoll time.Time     `json:"next_poll"`
	Inactive bool          `json:"inactive"`
}

// heartbeatTable holds liveness state for every connected peer. The broker
// and the ticker both touch it, always under the table lock; neither holds
// the lock across a socket operation.
type heartbeatTable struct {
	mu    sync.Mutex
	peers map[PeerID]*heartbeatState
}

func newHeartbeatTable() *heartbeatTable {
	return &heartbeatTable{peers: make(map[PeerID]*heartbeatState)}
}

func (t *heartbeatTable) add(peer PeerID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.peers[peer] = &heartbeatState{
		interval: heartbeatIntervalMin,
		liveness: livenessMax,
		nextPoll: now.Add(connectGrace),
	}
}

func (t *heartbeatTable) remove(peer PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peer)
}

func (t *heartbeatTable) has(peer PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peer]
	return ok
}

// refresh resets a peer to full liveness after any traffic from it. Returns
// false if the peer has no entry, which the caller must treat as a broken
// invariant.
func (t *heartbeatTable) refresh(peer PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	hb, ok := t.peers[peer]
	if !ok {
		return false
	}
	hb.liveness = livenessMax
	hb.interval = heartbeatIntervalMin
	return true
}

// tick decrements liveness for every peer whose poll deadline has passed and
// returns the peers that just ran out. Those peers are flagged inactive so
// at most one reconnect request per peer is outstanding.
func (t *heartbeatTable) tick(now time.Time) []PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []PeerID
	for peer, hb := range t.peers {
		if hb.inactive || now.Before(hb.nextPoll) {
			continue
		}
		if hb.liveness > 1 {
			hb.liveness--
			hb.nextPoll = now.Add(hb.interval)
			continue
		}
		hb.inactive = true
		expired = append(expired, peer)
	}
	sortPeers(expired)
	return expired
}

// applyReconnect reactivates a peer after the broker has cycled its
// connections, backing the poll interval off exponentially. Liveness stays
// where the decay left it; only traffic from the peer restores it, so a
// peer that stays silent is retried every interval.
func (t *heartbeatTable) applyReconnect(peer PeerID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	hb, ok := t.peers[peer]
	if !ok {
		return false
	}
	hb.interval *= 2
	if hb.interval > heartbeatIntervalMax {
		hb.interval = heartbeatIntervalMax
	}
	hb.inactive = false
	hb.nextPoll = now.Add(hb.interval)
	return true
}

// snapshot copies the table for introspection.
func (t *heartbeatTable) snapshot() map[PeerID]HeartbeatInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[PeerID]HeartbeatInfo, len(t.peers))
	for peer, hb := range t.peers {
		out[peer] = HeartbeatInfo{
			Interval: hb.interval,
			Liveness: hb.liveness,
			NextPoll: hb.nextPoll,
			Inactive: hb.inactive,
		}
	}
	return out
}

// size reports the number of tracked peers.
func (t *heartbeatTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// tickerLoop scans the heartbeat table on a fixed cadence and emits at most
// one reconnect request per scan. It never touches sockets.
func (e *Env) tickerLoop() {
	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()

	e.log.Debug().Msg("Heartbeat ticker started")

	for {
		select {
		case <-e.done:
			e.log.Debug().Msg("Heartbeat ticker stopping")
			return
		case <-e.loopDone:
			// Broker loop aborted on its own; no consumer is left.
			e.log.Debug().Msg("Heartbeat ticker stopping")
			return
		case now := <-ticker.C:
			expired := e.hb.tick(now)
			if len(expired) == 0 {
				continue
			}
			e.log.Warn().
				Int("peer_count", len(expired)).
				Str("first_peer", expired[0].String()).
				Msg("Peers ran out of liveness - requesting reconnect")
			e.control.Push(&reconnectRequest{peers: expired})
		}
	}
}
