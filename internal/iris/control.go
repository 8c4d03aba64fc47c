package iris

// Control requests mutate broker state. Producers (the facade and the
// heartbeat ticker) only enqueue; the broker thread alone dequeues and
// applies, so routing tables never need a lock of their own.

type controlRequest interface {
	isControl()
}

// registerRequest binds a new client to the broker.
type registerRequest struct {
	clientID string
	msgTypes []string
	subs     []string
	biq      *BiQueue
}

// updatePeersRequest adds and removes peers. The sets are normalized by the
// broker before application.
type updatePeersRequest struct {
	add []PeerID
	del []PeerID
}

// reconnectRequest forces a fresh handshake with the listed peers. Emitted
// by the heartbeat ticker when a peer runs out of liveness.
type reconnectRequest struct {
	peers []PeerID
}

func (*registerRequest) isControl()    {}
func (*updatePeersRequest) isControl() {}
func (*reconnectRequest) isControl()   {}
