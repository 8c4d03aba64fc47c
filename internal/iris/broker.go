package iris

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

// pollInterval bounds how long the loop blocks in the poller before it
// checks the control queue and the client send-queues again.
const pollInterval = 10 * time.Millisecond

func isWouldBlock(err error) bool {
	return zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}

func isInterrupted(err error) bool {
	return zmq4.AsErrno(err) == zmq4.Errno(syscall.EINTR)
}

func isSocketGone(err error) bool {
	errno := zmq4.AsErrno(err)
	return errno == zmq4.ETERM || errno == zmq4.Errno(syscall.ENOTSOCK)
}

// socketReader adapts a socket's edge-triggered readability into an
// exhaustive drain: one readiness signal can stand for many queued
// messages, so the reader keeps receiving until the socket would block.
type socketReader struct {
	sock *zmq4.Socket
	name string
}

func (r *socketReader) drain(handle func([][]byte) error) error {
	for {
		frames, err := r.sock.RecvMessageBytes(zmq4.DONTWAIT)
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			if isSocketGone(err) {
				return ErrSocketGone
			}
			return fmt.Errorf("recv on %s: %w", r.name, err)
		}
		if err := handle(frames); err != nil {
			return err
		}
	}
}

// Run executes the broker loop on the calling goroutine until Terminate is
// called or an invariant breaks. It is the only goroutine that touches the
// sockets or the routing tables.
//
// Each iteration dispatches in a fixed order: control requests first so no
// routing happens against stale tables, then both inbound directions, then
// outbound client traffic.
func (e *Env) Run() error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("broker already running")
	}
	defer close(e.loopDone)

	go e.tickerLoop()

	e.poller = zmq4.NewPoller()
	e.poller.Add(e.router, zmq4.POLLIN)
	e.poller.Add(e.sub, zmq4.POLLIN)

	routerReader := &socketReader{sock: e.router, name: "router"}
	subReader := &socketReader{sock: e.sub, name: "sub"}

	e.log.Info().Msg("Broker loop started")

	// Read both sockets once before the first poll so their edge-triggered
	// readiness state is armed.
	if err := e.safeDispatch(routerReader, subReader); err != nil {
		e.closeSockets()
		return e.loopError(err)
	}

	for {
		select {
		case <-e.done:
			e.log.Info().Msg("Broker loop stopping")
			e.closeSockets()
			return nil
		default:
		}

		if _, err := e.poller.Poll(pollInterval); err != nil {
			if isInterrupted(err) {
				continue
			}
			if isSocketGone(err) {
				e.log.Info().Msg("Broker socket gone - loop exiting")
				e.closeSockets()
				return nil
			}
			e.log.Warn().Err(err).Msg("Poll failed")
			continue
		}

		if err := e.safeDispatch(routerReader, subReader); err != nil {
			e.closeSockets()
			return e.loopError(err)
		}
	}
}

// safeDispatch shields the loop from unexpected panics in handler code.
// Invariant violations still propagate as errors; anything else is logged
// at warning and the loop keeps going.
func (e *Env) safeDispatch(router, sub *socketReader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn().
				Interface("panic", r).
				Msg("Recovered panic in broker loop")
		}
	}()
	return e.dispatch(router, sub)
}

// loopError maps a dispatch error to the loop's exit value. A vanished
// socket is a clean shutdown; an invariant violation aborts loudly.
func (e *Env) loopError(err error) error {
	if errors.Is(err, ErrSocketGone) {
		e.log.Info().Msg("Broker socket gone - loop exiting")
		return nil
	}
	var inv *InvariantError
	if errors.As(err, &inv) {
		e.log.Error().Err(inv).Msg("Broker aborting on invariant violation")
		return err
	}
	e.log.Error().Err(err).Msg("Broker aborting")
	return err
}

// dispatch drains every ready source once. Wire-level trouble is logged and
// swallowed inside the handlers; only invariant violations and a vanished
// socket propagate.
func (e *Env) dispatch(router, sub *socketReader) error {
	e.applyControl()

	if err := router.drain(e.handleRouterMessage); err != nil {
		if recvErr := e.recoverable(err); recvErr != nil {
			return recvErr
		}
	}
	if err := sub.drain(e.handleSubMessage); err != nil {
		if recvErr := e.recoverable(err); recvErr != nil {
			return recvErr
		}
	}

	e.flushClients()
	return nil
}

// recoverable decides whether a drain error stops the loop. Transient recv
// errors are logged at warning and absorbed.
func (e *Env) recoverable(err error) error {
	if errors.Is(err, ErrSocketGone) {
		return err
	}
	var inv *InvariantError
	if errors.As(err, &inv) {
		return err
	}
	e.log.Warn().Err(err).Msg("Transient receive error")
	return nil
}

// applyControl drains the control queue and mutates broker state.
func (e *Env) applyControl() {
	for {
		req, ok := e.control.TryPop()
		if !ok {
			return
		}
		switch r := req.(type) {
		case *registerRequest:
			e.applyRegister(r)
		case *updatePeersRequest:
			e.applyUpdatePeers(r)
		case *reconnectRequest:
			e.applyReconnect(r)
		}
	}
}

// applyRegister validates and installs a client registration. Rejections
// leave no partial state and are reported on the client's receive queue.
func (e *Env) applyRegister(req *registerRequest) {
	freshSubs, err := e.tables.register(req)
	if err != nil {
		e.log.Warn().
			Str("client_id", req.clientID).
			Err(err).
			Msg("Client registration rejected")
		req.biq.recv.Push(Delivery{Err: err})
		return
	}

	for _, topic := range freshSubs {
		if err := e.sub.SetSubscribe(topic); err != nil {
			e.log.Warn().
				Str("topic", topic).
				Err(err).
				Msg("Subscribe failed")
		}
	}
	e.publishClients()

	e.log.Info().
		Str("client_id", req.clientID).
		Int("msg_types", len(req.msgTypes)).
		Int("new_subscriptions", len(freshSubs)).
		Msg("Client registered")
}

// applyUpdatePeers normalizes and applies a peer-set change, cycling socket
// connections and heartbeat entries for the difference.
func (e *Env) applyUpdatePeers(req *updatePeersRequest) {
	added, deleted := normalizeUpdate(e.tables.peers, req.add, req.del)
	if len(added) == 0 && len(deleted) == 0 {
		return
	}

	now := time.Now()
	for _, peer := range deleted {
		if err := e.router.Disconnect(peer.RouterEndpoint()); err != nil {
			e.log.Warn().Str("peer", peer.String()).Err(err).Msg("ROUTER disconnect failed")
		}
		if err := e.sub.Disconnect(peer.PubEndpoint()); err != nil {
			e.log.Warn().Str("peer", peer.String()).Err(err).Msg("SUB disconnect failed")
		}
		e.hb.remove(peer)
	}
	for _, peer := range added {
		if err := e.connectPeer(peer); err != nil {
			e.log.Warn().Str("peer", peer.String()).Err(err).Msg("Peer connect failed")
		}
		e.hb.add(peer, now)
	}

	e.tables.applyPeerUpdate(added, deleted)
	e.publishPeers()

	e.log.Info().
		Int("added", len(added)).
		Int("deleted", len(deleted)).
		Int("peer_count", len(e.tables.peers)).
		Msg("Peer set updated")
}

// applyReconnect cycles the connections of peers the ticker declared dead.
// Disconnect+connect is how ZMQ is forced into a fresh handshake.
func (e *Env) applyReconnect(req *reconnectRequest) {
	now := time.Now()
	for _, peer := range req.peers {
		if !e.tables.hasPeer(peer) {
			// Removed while the request was in flight.
			continue
		}

		if err := e.router.Disconnect(peer.RouterEndpoint()); err != nil {
			e.log.Warn().Str("peer", peer.String()).Err(err).Msg("ROUTER disconnect failed")
		}
		if err := e.sub.Disconnect(peer.PubEndpoint()); err != nil {
			e.log.Warn().Str("peer", peer.String()).Err(err).Msg("SUB disconnect failed")
		}
		if err := e.connectPeer(peer); err != nil {
			e.log.Warn().Str("peer", peer.String()).Err(err).Msg("Peer reconnect failed")
		}

		e.hb.applyReconnect(peer, now)

		e.log.Warn().
			Str("peer", peer.String()).
			Msg("Peer reconnected after missed heartbeats")
	}
}

// handleRouterMessage routes one inbound response to the client owning its
// message type. Malformed or unroutable messages are logged and dropped,
// never failing the loop.
func (e *Env) handleRouterMessage(frames [][]byte) error {
	connID, msgType, payload, err := parseRouterMessage(frames)
	if err != nil {
		if e.warnOnce("router-malformed") {
			e.log.Warn().Err(err).Msg("Dropping malformed router message")
		}
		return nil
	}

	peer, ok := e.tables.peerByConnectionID(connID)
	if !ok {
		if e.warnOnce("router-peer:" + connID) {
			e.log.Warn().
				Str("connection_id", connID).
				Msg("Dropping message from unknown peer")
		}
		return nil
	}
	if !e.hb.refresh(peer) {
		return &InvariantError{Detail: fmt.Sprintf("peer %s has no heartbeat entry", peer)}
	}

	owner, ok := e.tables.msgOwner[msgType]
	if !ok {
		if e.warnOnce("router-msgtype:" + msgType) {
			e.log.Warn().
				Str("msg_type", msgType).
				Str("peer", peer.String()).
				Msg("Dropping message with unowned type")
		}
		return nil
	}
	biq, ok := e.tables.clients[owner]
	if !ok {
		return &InvariantError{
			Detail: fmt.Sprintf("message type %q owned by unregistered client %q", msgType, owner),
		}
	}

	biq.recv.Push(Delivery{Peer: peer, MsgType: msgType, Payload: payload})
	return nil
}

// handleSubMessage fans one publication out to its subscribers. Heartbeat
// publications only refresh liveness and are consumed here.
func (e *Env) handleSubMessage(frames [][]byte) error {
	topic, connID, payload, err := parseSubMessage(frames)
	if err != nil {
		if e.warnOnce("sub-malformed") {
			e.log.Warn().Err(err).Msg("Dropping malformed publication")
		}
		return nil
	}

	peer, ok := e.tables.peerByConnectionID(connID)
	if !ok {
		if e.warnOnce("sub-peer:" + connID) {
			e.log.Warn().
				Str("connection_id", connID).
				Str("topic", topic).
				Msg("Dropping publication from unknown peer")
		}
		return nil
	}
	if !e.hb.refresh(peer) {
		return &InvariantError{Detail: fmt.Sprintf("peer %s has no heartbeat entry", peer)}
	}

	if topic == HeartbeatTopic {
		return nil
	}

	set, ok := e.tables.subs[topic]
	if !ok {
		// ZMQ subscriptions match by prefix; a key we never subscribed
		// exactly can still arrive.
		if e.warnOnce("sub-topic:" + topic) {
			e.log.Warn().
				Str("topic", topic).
				Msg("Dropping publication with no exact subscription")
		}
		return nil
	}
	if len(set) == 0 {
		return &InvariantError{Detail: fmt.Sprintf("subscription %q has no subscribers", topic)}
	}

	for clientID := range set {
		biq, ok := e.tables.clients[clientID]
		if !ok {
			return &InvariantError{
				Detail: fmt.Sprintf("subscription %q names unregistered client %q", topic, clientID),
			}
		}
		biq.recv.Push(Delivery{Peer: peer, Topic: topic, Payload: payload})
	}
	return nil
}

// flushClients drains every registered client's send-queue in a
// deterministic order.
func (e *Env) flushClients() {
	for _, clientID := range e.tables.clientIDs() {
		biq := e.tables.clients[clientID]
		for {
			out, ok := biq.send.TryPop()
			if !ok {
				break
			}
			e.sendOutbound(biq, out)
		}
	}
}

// sendOutbound writes one client message to the ROUTER socket, picking a
// random peer when none was named.
func (e *Env) sendOutbound(biq *BiQueue, out Outbound) {
	var peer PeerID
	if out.Peer != nil {
		peer = *out.Peer
		if !e.tables.hasPeer(peer) {
			e.log.Warn().
				Str("peer", peer.String()).
				Str("client_id", biq.clientID).
				Msg("Peer not in current set - sending anyway")
		}
	} else {
		var ok bool
		peer, ok = e.tables.randomPeer(e.rng)
		if !ok {
			biq.recv.Push(Delivery{MsgType: out.MsgType, Err: ErrNoPeers})
			return
		}
	}

	if _, err := e.router.SendMessage(routerFrames(peer.ConnectionID(), out.MsgType, out.Payload)...); err != nil {
		if zmq4.AsErrno(err) == zmq4.EHOSTUNREACH {
			e.log.Warn().
				Str("peer", peer.String()).
				Msg("Peer identity unknown to ROUTER - message dropped")
		} else {
			e.log.Warn().
				Str("peer", peer.String()).
				Err(err).
				Msg("Send failed")
		}
	}
}
