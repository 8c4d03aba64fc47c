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

package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"janus/internal/iris"
	"janus/internal/logger"
)

// Server exposes read-only snapshots of a broker env over HTTP. It never
// touches broker internals; everything comes from the env's published
// snapshots.
type Server struct {
	env    *iris.Env
	server *http.Server
	logger zerolog.Logger
}

// New creates a status server for the given env.
func New(addr string, env *iris.Env) *Server {
	s := &Server{
		env:    env,
		logger: logger.GetLogger("status"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/status/peers", s.handlePeers).Methods("GET")
	router.HandleFunc("/status/heartbeats", s.handleHeartbeats).Methods("GET")
	router.HandleFunc("/status/clients", s.handleClients).Methods("GET")

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Status API listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status API failed")
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.env.Peers())
}

type heartbeatEntry struct {
	Peer      iris.PeerID        `json:"peer"`
	Heartbeat iris.HeartbeatInfo `json:"heartbeat"`
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.env.Heartbeats()
	entries := make([]heartbeatEntry, 0, len(snapshot))
	for peer, hb := range snapshot {
		entries = append(entries, heartbeatEntry{Peer: peer, Heartbeat: hb})
	}
	s.writeJSON(w, entries)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.env.Clients())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
