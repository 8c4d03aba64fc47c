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
	"sort"
)

// PeerID identifies a remote server by its network location. It is a value
// type and usable as a map key; ordering is (host, router port, pub port).
type PeerID struct {
	Host       string `json:"host" yaml:"host"`
	RouterPort uint16 `json:"router_port" yaml:"router_port"`
	PubPort    uint16 `json:"pub_port" yaml:"pub_port"`
}

// RouterEndpoint returns the TCP endpoint of the peer's ROUTER socket.
func (p PeerID) RouterEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", p.Host, p.RouterPort)
}

// PubEndpoint returns the TCP endpoint of the peer's PUB socket.
func (p PeerID) PubEndpoint() string {
	return fmt.Sprintf("tcp://%s:%d", p.Host, p.PubPort)
}

// ConnectionID returns the byte string the peer uses as its ROUTER identity.
// It is the first frame of every message the peer sends.
func (p PeerID) ConnectionID() string {
	return p.RouterEndpoint()
}

func (p PeerID) String() string {
	return fmt.Sprintf("%s:%d/%d", p.Host, p.RouterPort, p.PubPort)
}

// Less orders peers by host, then router port, then pub port.
func (p PeerID) Less(o PeerID) bool {
	if p.Host != o.Host {
		return p.Host < o.Host
	}
	if p.RouterPort != o.RouterPort {
		return p.RouterPort < o.RouterPort
	}
	return p.PubPort < o.PubPort
}

// ZMQ limits socket identities to 1..254 bytes.
const maxConnectionID = 254

func (p PeerID) validate() error {
	id := p.ConnectionID()
	if p.Host == "" {
		return &ConfigError{Reason: fmt.Sprintf("peer %s has empty host", p)}
	}
	if len(id) > maxConnectionID {
		return &ConfigError{Reason: fmt.Sprintf("connection id %q exceeds %d bytes", id, maxConnectionID)}
	}
	return nil
}

// validatePeerSet rejects peers whose connection ids collide. Two peers that
// share host and router port but differ in pub port would be
// indistinguishable on the wire.
func validatePeerSet(existing, added []PeerID) error {
	seen := make(map[string]PeerID, len(existing)+len(added))
	for _, p := range existing {
		seen[p.ConnectionID()] = p
	}
	for _, p := range added {
		if err := p.validate(); err != nil {
			return err
		}
		if prev, ok := seen[p.ConnectionID()]; ok && prev != p {
			return &ConfigError{
				Reason: fmt.Sprintf("peers %s and %s share connection id %q", prev, p, p.ConnectionID()),
			}
		}
		seen[p.ConnectionID()] = p
	}
	return nil
}

func sortPeers(peers []PeerID) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
}
