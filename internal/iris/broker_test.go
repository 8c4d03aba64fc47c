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
	"errors"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the full broker over loopback TCP and require a
// working libzmq.

func testGlobal(t *testing.T) *Global {
	t.Helper()
	zctx, err := zmq4.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { zctx.Term() })
	return &Global{Context: zctx, Log: zerolog.Nop()}
}

func startEnv(t *testing.T, global *Global, peers []PeerID, opts ...Option) *Env {
	t.Helper()
	env, err := NewEnv(global, peers, opts...)
	require.NoError(t, err)
	go env.Run()
	t.Cleanup(env.Terminate)
	return env
}

func startServer(t *testing.T, global *Global, id PeerID, opts ...ServerOption) *Server {
	t.Helper()
	server, err := NewServer(global, id, opts...)
	require.NoError(t, err)
	go server.Run()
	t.Cleanup(server.Terminate)
	return server
}

// recvDelivery polls a client queue until a delivery arrives or the
// deadline passes.
func recvDelivery(t *testing.T, biq *BiQueue, timeout time.Duration) (Delivery, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d, ok := biq.TryRecv(); ok {
			return d, true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return Delivery{}, false
}

func TestPingPongRoundTrip(t *testing.T) {
	global := testGlobal(t)
	serverID := PeerID{Host: "127.0.0.1", RouterPort: 28731, PubPort: 28732}

	// Handlers must be registered before the server loop starts.
	server, err := NewServer(global, serverID)
	require.NoError(t, err)
	server.Handle("ping", func(from string, payload [][]byte) (string, [][]byte) {
		return "pong", payload
	})
	go server.Run()
	t.Cleanup(server.Terminate)

	env := startEnv(t, global, []PeerID{serverID})
	biq := env.RegisterClient("pinger", []string{"pong"}, []string{"block"})

	// The first sends can be dropped while the ROUTER handshake is still
	// in flight, so keep pinging until the echo comes back.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		biq.Send(Outbound{Peer: &serverID, MsgType: "ping", Payload: [][]byte{[]byte("hello")}})
		if d, ok := recvDelivery(t, biq, 200*time.Millisecond); ok {
			require.NoError(t, d.Err)
			assert.Equal(t, "pong", d.MsgType)
			assert.Equal(t, serverID, d.Peer)
			require.Len(t, d.Payload, 1)
			assert.Equal(t, "hello", string(d.Payload[0]))
			return
		}
	}
	t.Fatal("no pong received within deadline")
}

func TestPublicationFanOut(t *testing.T) {
	global := testGlobal(t)
	serverID := PeerID{Host: "127.0.0.1", RouterPort: 28741, PubPort: 28742}

	// A fast heartbeat keeps "_hb" traffic flowing during the test so the
	// leak check below is meaningful.
	server := startServer(t, global, serverID, WithHeartbeatInterval(100*time.Millisecond))

	env := startEnv(t, global, []PeerID{serverID})
	first := env.RegisterClient("watcher-1", []string{"pong"}, []string{"block"})
	second := env.RegisterClient("watcher-2", nil, []string{"block"})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				server.Publish("block", []byte("noblock: 7"))
			}
		}
	}()

	for _, biq := range []*BiQueue{first, second} {
		d, ok := recvDelivery(t, biq, 5*time.Second)
		require.True(t, ok, "client %s saw no publication", biq.ClientID())
		require.NoError(t, d.Err)
		assert.Equal(t, "block", d.Topic)
		assert.Equal(t, serverID, d.Peer)
		require.Len(t, d.Payload, 1)
		assert.Equal(t, "noblock: 7", string(d.Payload[0]))
		// Subscription alone is the delivery predicate; heartbeats are
		// consumed by the broker and never leak.
		assert.NotEqual(t, HeartbeatTopic, d.Topic)
	}

	// Drain for a while longer: nothing on the heartbeat topic may ever
	// surface on a client queue.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d, ok := first.TryRecv(); ok {
			assert.NotEqual(t, HeartbeatTopic, d.Topic)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistrationRejectedAtomically(t *testing.T) {
	global := testGlobal(t)
	env := startEnv(t, global, nil)

	env.RegisterClient("x", []string{"m"}, nil)
	biqY := env.RegisterClient("y", []string{"m", "n"}, nil)

	d, ok := recvDelivery(t, biqY, 3*time.Second)
	require.True(t, ok, "expected rejection delivery")
	var regErr *RegistrationError
	require.ErrorAs(t, d.Err, &regErr)
	assert.Equal(t, "y", regErr.ClientID)

	// Only the first registration took effect.
	require.Eventually(t, func() bool {
		clients := env.Clients()
		return len(clients) == 1 && clients[0] == "x"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSendWithoutPeers(t *testing.T) {
	global := testGlobal(t)
	env := startEnv(t, global, nil)

	biq := env.RegisterClient("lonely", []string{"pong"}, nil)
	biq.Send(Outbound{MsgType: "ping"})

	d, ok := recvDelivery(t, biq, 3*time.Second)
	require.True(t, ok, "expected error delivery")
	assert.True(t, errors.Is(d.Err, ErrNoPeers))
	assert.Equal(t, "ping", d.MsgType)
}

func TestUpdatePeersLifecycle(t *testing.T) {
	global := testGlobal(t)
	env := startEnv(t, global, nil)

	assert.Empty(t, env.Peers())

	peer := PeerID{Host: "127.0.0.1", RouterPort: 28761, PubPort: 28762}
	require.NoError(t, env.UpdatePeers([]PeerID{peer}, nil))

	require.Eventually(t, func() bool {
		peers := env.Peers()
		return len(peers) == 1 && peers[0] == peer
	}, 3*time.Second, 20*time.Millisecond)

	hb := env.Heartbeats()
	require.Contains(t, hb, peer)
	assert.Equal(t, livenessMax, hb[peer].Liveness)
	assert.Equal(t, heartbeatIntervalMin, hb[peer].Interval)

	require.NoError(t, env.UpdatePeers(nil, []PeerID{peer}))
	require.Eventually(t, func() bool {
		return len(env.Peers()) == 0 && len(env.Heartbeats()) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestUpdatePeersRejectsCollision(t *testing.T) {
	global := testGlobal(t)
	peer := PeerID{Host: "127.0.0.1", RouterPort: 28771, PubPort: 28772}
	env := startEnv(t, global, []PeerID{peer})

	colliding := PeerID{Host: "127.0.0.1", RouterPort: 28771, PubPort: 28999}
	err := env.UpdatePeers([]PeerID{colliding}, nil)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestSeededPeerSelectionIsFair(t *testing.T) {
	global := testGlobal(t)
	peers := []PeerID{
		{Host: "127.0.0.1", RouterPort: 28781, PubPort: 28782},
		{Host: "127.0.0.1", RouterPort: 28783, PubPort: 28784},
		{Host: "127.0.0.1", RouterPort: 28785, PubPort: 28786},
	}
	env, err := NewEnv(global, peers, WithSeed(4))
	require.NoError(t, err)
	defer env.Terminate()

	counts := make(map[PeerID]int)
	for i := 0; i < 3000; i++ {
		p, ok := env.tables.randomPeer(env.rng)
		require.True(t, ok)
		counts[p]++
	}
	for _, p := range peers {
		assert.GreaterOrEqual(t, counts[p], 900)
		assert.LessOrEqual(t, counts[p], 1100)
	}
}
