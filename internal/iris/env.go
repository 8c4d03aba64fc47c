// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iris

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
)

// Global carries the process-wide collaborators every env needs: the ZMQ
// context and the log sink. The context is owned by the caller and shared
// between envs.
type Global struct {
	Context *zmq4.Context
	Log     zerolog.Logger
}

// Option tweaks env construction.
type Option func(*Env)

// WithSeed makes random peer selection reproducible.
func WithSeed(seed int64) Option {
	return func(e *Env) {
		e.rng = rand.New(rand.NewSource(seed))
	}
}

// WithIdentity overrides the generated ROUTER identity of this env.
func WithIdentity(identity string) Option {
	return func(e *Env) {
		e.identity = identity
	}
}

// warnCacheSize bounds the per-key warning dedupe cache.
const warnCacheSize = 256

// Env is the client-side broker: it multiplexes any number of in-process
// clients over one ROUTER and one SUB socket. All socket work happens on the
// goroutine that calls Run; everything else talks to it through the control
// queue and the published snapshots.
type Env struct {
	global   *Global
	log      zerolog.Logger
	identity string

	router *zmq4.Socket
	sub    *zmq4.Socket
	poller *zmq4.Poller

	control *queue[controlRequest]
	tables  *routingTables
	hb      *heartbeatTable
	rng     *rand.Rand
	warned  *lru.Cache[string, time.Time]

	snapMu    sync.RWMutex
	peerSnap  []PeerID
	clientIDs []string

	done      chan struct{}
	loopDone  chan struct{}
	started   atomic.Bool
	termOnce  sync.Once
	closeOnce sync.Once
}

// NewEnv creates the broker state and its sockets, connects the initial
// peers, and subscribes the reserved heartbeat topic. The broker loop is not
// started; spawn Run on its own goroutine.
func NewEnv(global *Global, initialPeers []PeerID, opts ...Option) (*Env, error) {
	if global == nil || global.Context == nil {
		return nil, fmt.Errorf("global env with ZMQ context required")
	}
	if err := validatePeerSet(nil, initialPeers); err != nil {
		return nil, err
	}

	warned, err := lru.New[string, time.Time](warnCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create warning cache: %w", err)
	}

	e := &Env{
		global:   global,
		log:      global.Log.With().Str("component", "iris.broker").Logger(),
		identity: fmt.Sprintf("janus-%s", uuid.New().String()[:8]),
		control:  newQueue[controlRequest](),
		tables:   newRoutingTables(initialPeers),
		hb:       newHeartbeatTable(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		warned:   warned,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.openSockets(); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, peer := range e.tables.peers {
		if err := e.connectPeer(peer); err != nil {
			e.closeSockets()
			return nil, err
		}
		e.hb.add(peer, now)
	}
	e.publishPeers()
	e.publishClients()

	e.log.Info().
		Str("identity", e.identity).
		Int("peer_count", len(initialPeers)).
		Msg("Client broker env created")

	return e, nil
}

// openSockets creates and configures the ROUTER and SUB sockets.
func (e *Env) openSockets() error {
	router, err := e.global.Context.NewSocket(zmq4.ROUTER)
	if err != nil {
		return fmt.Errorf("failed to create ROUTER socket: %w", err)
	}

	if err = router.SetIdentity(e.identity); err != nil {
		router.Close()
		return fmt.Errorf("failed to set ROUTER identity: %w", err)
	}
	if err = router.SetLinger(0); err != nil {
		router.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = router.SetRcvhwm(1000); err != nil {
		router.Close()
		return fmt.Errorf("failed to set receive high watermark: %w", err)
	}
	if err = router.SetSndhwm(1000); err != nil {
		router.Close()
		return fmt.Errorf("failed to set send high watermark: %w", err)
	}

	sub, err := e.global.Context.NewSocket(zmq4.SUB)
	if err != nil {
		router.Close()
		return fmt.Errorf("failed to create SUB socket: %w", err)
	}
	if err = sub.SetLinger(0); err != nil {
		router.Close()
		sub.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = sub.SetSubscribe(HeartbeatTopic); err != nil {
		router.Close()
		sub.Close()
		return fmt.Errorf("failed to subscribe heartbeat topic: %w", err)
	}

	e.router = router
	e.sub = sub
	return nil
}

// connectPeer connects both sockets to a peer's endpoints.
func (e *Env) connectPeer(peer PeerID) error {
	if err := e.router.Connect(peer.RouterEndpoint()); err != nil {
		return fmt.Errorf("failed to connect ROUTER to %s: %w", peer, err)
	}
	if err := e.sub.Connect(peer.PubEndpoint()); err != nil {
		return fmt.Errorf("failed to connect SUB to %s: %w", peer, err)
	}
	return nil
}

// RegisterClient allocates a queue pair for a new client and enqueues its
// registration. The queue is usable immediately: outbound messages wait
// until the broker applies the registration, and a rejected registration is
// delivered as an error entry on the receive side.
func (e *Env) RegisterClient(clientID string, msgTypes, subs []string) *BiQueue {
	biq := newBiQueue(clientID)
	e.control.Push(&registerRequest{
		clientID: clientID,
		msgTypes: append([]string(nil), msgTypes...),
		subs:     append([]string(nil), subs...),
		biq:      biq,
	})

	e.log.Debug().
		Str("client_id", clientID).
		Int("msg_types", len(msgTypes)).
		Int("subscriptions", len(subs)).
		Msg("Client registration enqueued")

	return biq
}

// UpdatePeers enqueues a peer-set change. Added peers are validated against
// the current snapshot before the request is accepted.
func (e *Env) UpdatePeers(add, del []PeerID) error {
	if err := validatePeerSet(e.Peers(), add); err != nil {
		return err
	}
	e.control.Push(&updatePeersRequest{
		add: append([]PeerID(nil), add...),
		del: append([]PeerID(nil), del...),
	})
	return nil
}

// Peers returns the current peer set snapshot.
func (e *Env) Peers() []PeerID {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	out := make([]PeerID, len(e.peerSnap))
	copy(out, e.peerSnap)
	return out
}

// Clients returns the ids of all applied client registrations.
func (e *Env) Clients() []string {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()

	out := make([]string, len(e.clientIDs))
	copy(out, e.clientIDs)
	return out
}

// Heartbeats returns a copy of the per-peer liveness table.
func (e *Env) Heartbeats() map[PeerID]HeartbeatInfo {
	return e.hb.snapshot()
}

// Identity returns the ROUTER identity this env presents to peers.
func (e *Env) Identity() string {
	return e.identity
}

// Terminate shuts the broker down: the loop drains out, the ticker stops and
// both sockets close with linger 0. Pending control requests are dropped;
// registered clients observe silence on their receive queues. Safe to call
// more than once.
func (e *Env) Terminate() {
	e.termOnce.Do(func() {
		close(e.done)
		if e.started.Load() {
			<-e.loopDone
		} else {
			e.closeSockets()
		}
		e.log.Info().Msg("Client broker env terminated")
	})
}

// publishPeers refreshes the cross-thread peer snapshot. Broker thread only.
func (e *Env) publishPeers() {
	peers := e.tables.peersCopy()
	e.snapMu.Lock()
	e.peerSnap = peers
	e.snapMu.Unlock()
}

// publishClients refreshes the cross-thread client id snapshot.
func (e *Env) publishClients() {
	ids := e.tables.clientIDs()
	e.snapMu.Lock()
	e.clientIDs = ids
	e.snapMu.Unlock()
}

// closeSockets releases the readiness adapters and closes both sockets.
// Idempotent; the loop and Terminate can race to it safely.
func (e *Env) closeSockets() {
	e.closeOnce.Do(func() {
		if e.poller != nil {
			e.poller.RemoveBySocket(e.router)
			e.poller.RemoveBySocket(e.sub)
		}
		if err := e.router.Close(); err != nil {
			e.log.Warn().Err(err).Msg("Error closing ROUTER socket")
		}
		if err := e.sub.Close(); err != nil {
			e.log.Warn().Err(err).Msg("Error closing SUB socket")
		}
	})
}

// warnOnce reports whether a warning keyed by key has not been issued
// recently. Keeps repeated wire-level noise out of the logs.
func (e *Env) warnOnce(key string) bool {
	if _, ok := e.warned.Get(key); ok {
		return false
	}
	e.warned.Add(key, time.Now())
	return true
}
