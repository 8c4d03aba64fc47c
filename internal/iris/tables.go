package iris

import (
	"fmt"
	"math/rand"
	"sort"
)

// routingTables is the broker's private view of who owns what. It is only
// ever touched from the broker goroutine; cross-thread reads go through the
// snapshots the env publishes.
type routingTables struct {
	// peers is kept sorted so iteration order, and with it seeded random
	// peer selection, is deterministic within a run.
	peers    []PeerID
	clients  map[string]*BiQueue
	msgOwner map[string]string
	subs     map[string]map[string]struct{}
}

func newRoutingTables(initial []PeerID) *routingTables {
	peers := make([]PeerID, len(initial))
	copy(peers, initial)
	sortPeers(peers)

	return &routingTables{
		peers:    peers,
		clients:  make(map[string]*BiQueue),
		msgOwner: make(map[string]string),
		subs:     make(map[string]map[string]struct{}),
	}
}

func (rt *routingTables) hasPeer(peer PeerID) bool {
	for _, p := range rt.peers {
		if p == peer {
			return true
		}
	}
	return false
}

// peerByConnectionID resolves the wire identity of an inbound message back
// to a peer. A linear scan keeps a single source of truth; peer sets are
// small.
func (rt *routingTables) peerByConnectionID(connID string) (PeerID, bool) {
	for _, p := range rt.peers {
		if p.ConnectionID() == connID {
			return p, true
		}
	}
	return PeerID{}, false
}

// randomPeer picks a peer uniformly at random.
func (rt *routingTables) randomPeer(rng *rand.Rand) (PeerID, bool) {
	if len(rt.peers) == 0 {
		return PeerID{}, false
	}
	return rt.peers[rng.Intn(len(rt.peers))], true
}

// normalizeUpdate reduces an add/del request against the current peer set:
// entries in both sets cancel out, additions already present and deletions
// not present are dropped. The returned slices are disjoint, add' contains
// no current peer and del' only current peers.
func normalizeUpdate(peers, add, del []PeerID) (added, deleted []PeerID) {
	inBoth := make(map[PeerID]struct{})
	delSet := make(map[PeerID]struct{}, len(del))
	for _, p := range del {
		delSet[p] = struct{}{}
	}
	for _, p := range add {
		if _, ok := delSet[p]; ok {
			inBoth[p] = struct{}{}
		}
	}

	current := make(map[PeerID]struct{}, len(peers))
	for _, p := range peers {
		current[p] = struct{}{}
	}

	seen := make(map[PeerID]struct{})
	for _, p := range add {
		if _, ok := inBoth[p]; ok {
			continue
		}
		if _, ok := current[p]; ok {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		added = append(added, p)
	}

	seen = make(map[PeerID]struct{})
	for _, p := range del {
		if _, ok := inBoth[p]; ok {
			continue
		}
		if _, ok := current[p]; !ok {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		deleted = append(deleted, p)
	}

	sortPeers(added)
	sortPeers(deleted)
	return added, deleted
}

// applyPeerUpdate rewrites the peer set with the already-normalized add and
// del slices.
func (rt *routingTables) applyPeerUpdate(added, deleted []PeerID) {
	if len(deleted) > 0 {
		drop := make(map[PeerID]struct{}, len(deleted))
		for _, p := range deleted {
			drop[p] = struct{}{}
		}
		kept := rt.peers[:0]
		for _, p := range rt.peers {
			if _, ok := drop[p]; !ok {
				kept = append(kept, p)
			}
		}
		rt.peers = kept
	}
	rt.peers = append(rt.peers, added...)
	sortPeers(rt.peers)
}

// register validates and applies a client registration atomically: on any
// conflict nothing changes. It returns the subscription keys that were not
// present before, which the caller must subscribe on the SUB socket.
func (rt *routingTables) register(req *registerRequest) ([]string, error) {
	if _, ok := rt.clients[req.clientID]; ok {
		return nil, &RegistrationError{
			ClientID: req.clientID,
			Reason:   "client id already registered",
		}
	}
	for _, mt := range req.msgTypes {
		if owner, ok := rt.msgOwner[mt]; ok {
			return nil, &RegistrationError{
				ClientID: req.clientID,
				Reason:   fmt.Sprintf("message type %q already owned by %q", mt, owner),
			}
		}
	}

	rt.clients[req.clientID] = req.biq
	for _, mt := range req.msgTypes {
		rt.msgOwner[mt] = req.clientID
	}

	var fresh []string
	for _, sub := range req.subs {
		set, ok := rt.subs[sub]
		if !ok {
			set = make(map[string]struct{})
			rt.subs[sub] = set
		}
		if len(set) == 0 {
			fresh = append(fresh, sub)
		}
		set[req.clientID] = struct{}{}
	}
	sort.Strings(fresh)
	return fresh, nil
}

// clientIDs returns the registered client ids in sorted order.
func (rt *routingTables) clientIDs() []string {
	ids := make([]string, 0, len(rt.clients))
	for id := range rt.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// peersCopy returns a defensive copy of the sorted peer set.
func (rt *routingTables) peersCopy() []PeerID {
	out := make([]PeerID, len(rt.peers))
	copy(out, rt.peers)
	return out
}
