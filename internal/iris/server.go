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
	"sync"
	"sync/atomic"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
)

// Handler processes one inbound request. from is the wire identity of the
// requesting broker. It returns the message type and payload of the reply;
// an empty message type suppresses the reply.
type Handler func(from string, payload [][]byte) (string, [][]byte)

// publication is a queued outbound PUB message.
type publication struct {
	topic   string
	payload [][]byte
}

// ServerOption tweaks server construction.
type ServerOption func(*Server)

// WithHeartbeatInterval overrides the cadence of the server's heartbeat
// publications.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.hbInterval = d
	}
}

// Server is the server-side half of the overlay: a ROUTER socket answering
// requests by message type and a PUB socket fanning out publications,
// including the reserved heartbeat topic. Like the client broker, one
// goroutine owns both sockets; Publish marshals through a queue.
type Server struct {
	global *Global
	log    zerolog.Logger
	id     PeerID

	router *zmq4.Socket
	pub    *zmq4.Socket

	handlers   map[string]Handler
	pubQ       *queue[publication]
	hbInterval time.Duration

	done      chan struct{}
	loopDone  chan struct{}
	started   atomic.Bool
	termOnce  sync.Once
	closeOnce sync.Once
}

// NewServer binds the ROUTER and PUB sockets of a server peer. The ROUTER
// identity is the peer's connection id, which is how clients recognize its
// messages. Register handlers before calling Run.
func NewServer(global *Global, id PeerID, opts ...ServerOption) (*Server, error) {
	if global == nil || global.Context == nil {
		return nil, fmt.Errorf("global env with ZMQ context required")
	}
	if err := id.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		global:     global,
		log:        global.Log.With().Str("component", "iris.server").Str("peer", id.String()).Logger(),
		id:         id,
		handlers:   make(map[string]Handler),
		pubQ:       newQueue[publication](),
		hbInterval: time.Second,
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	router, err := global.Context.NewSocket(zmq4.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("failed to create ROUTER socket: %w", err)
	}
	if err = router.SetIdentity(id.ConnectionID()); err != nil {
		router.Close()
		return nil, fmt.Errorf("failed to set ROUTER identity: %w", err)
	}
	if err = router.SetLinger(0); err != nil {
		router.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err = router.Bind(fmt.Sprintf("tcp://*:%d", id.RouterPort)); err != nil {
		router.Close()
		return nil, fmt.Errorf("failed to bind ROUTER to port %d: %w", id.RouterPort, err)
	}

	pub, err := global.Context.NewSocket(zmq4.PUB)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err = pub.SetLinger(0); err != nil {
		router.Close()
		pub.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err = pub.Bind(fmt.Sprintf("tcp://*:%d", id.PubPort)); err != nil {
		router.Close()
		pub.Close()
		return nil, fmt.Errorf("failed to bind PUB to port %d: %w", id.PubPort, err)
	}

	s.router = router
	s.pub = pub

	s.log.Info().Msg("Server broker created")
	return s, nil
}

// Handle registers the handler for a message type. Not safe to call after
// Run has started.
func (s *Server) Handle(msgType string, h Handler) {
	s.handlers[msgType] = h
}

// Publish enqueues a publication. Thread-safe; the socket write happens on
// the server loop.
func (s *Server) Publish(topic string, payload ...[]byte) {
	s.pubQ.Push(publication{topic: topic, payload: payload})
}

// ID returns the peer identity this server answers as.
func (s *Server) ID() PeerID {
	return s.id
}

// Run executes the server loop until Terminate. Blocking; spawn on its own
// goroutine.
func (s *Server) Run() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}
	defer close(s.loopDone)

	poller := zmq4.NewPoller()
	poller.Add(s.router, zmq4.POLLIN)
	reader := &socketReader{sock: s.router, name: "server-router"}

	hbTicker := time.NewTicker(s.hbInterval)
	defer hbTicker.Stop()

	s.log.Info().Msg("Server loop started")

	for {
		select {
		case <-s.done:
			s.log.Info().Msg("Server loop stopping")
			s.closeSockets()
			return nil
		case <-hbTicker.C:
			s.Publish(HeartbeatTopic)
		default:
		}

		if _, err := poller.Poll(pollInterval); err != nil {
			if isInterrupted(err) {
				continue
			}
			if isSocketGone(err) {
				s.closeSockets()
				return nil
			}
			s.log.Warn().Err(err).Msg("Poll failed")
			continue
		}

		if err := reader.drain(s.handleRequest); err != nil {
			if err == ErrSocketGone {
				s.closeSockets()
				return nil
			}
			s.log.Warn().Err(err).Msg("Transient receive error")
		}

		s.flushPublications()
	}
}

// handleRequest answers one inbound request via its registered handler.
func (s *Server) handleRequest(frames [][]byte) error {
	from, msgType, payload, err := parseRouterMessage(frames)
	if err != nil {
		s.log.Warn().Err(err).Msg("Dropping malformed request")
		return nil
	}

	handler, ok := s.handlers[msgType]
	if !ok {
		s.log.Warn().
			Str("msg_type", msgType).
			Msg("Dropping request with no handler")
		return nil
	}

	replyType, reply := handler(from, payload)
	if replyType == "" {
		return nil
	}

	if _, err := s.router.SendMessage(routerFrames(from, replyType, reply)...); err != nil {
		if zmq4.AsErrno(err) == zmq4.EHOSTUNREACH {
			s.log.Warn().Msg("Requester disconnected before reply")
		} else {
			s.log.Warn().Err(err).Msg("Reply failed")
		}
	}
	return nil
}

// flushPublications drains the publication queue onto the PUB socket. Every
// publication carries this server's connection id as its second frame.
func (s *Server) flushPublications() {
	connID := s.id.ConnectionID()
	for {
		p, ok := s.pubQ.TryPop()
		if !ok {
			return
		}
		if _, err := s.pub.SendMessage(pubFrames(p.topic, connID, p.payload)...); err != nil {
			s.log.Warn().
				Str("topic", p.topic).
				Err(err).
				Msg("Publish failed")
		}
	}
}

// Terminate stops the loop and closes both sockets. Safe to call twice.
func (s *Server) Terminate() {
	s.termOnce.Do(func() {
		close(s.done)
		if s.started.Load() {
			<-s.loopDone
		} else {
			s.closeSockets()
		}
		s.log.Info().Msg("Server broker terminated")
	})
}

func (s *Server) closeSockets() {
	s.closeOnce.Do(func() {
		if err := s.router.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Error closing ROUTER socket")
		}
		if err := s.pub.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Error closing PUB socket")
		}
	})
}
