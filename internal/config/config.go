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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"janus/internal/iris"
)

// Config is the on-disk configuration of a janus node.
type Config struct {
	Node   NodeConfig   `yaml:"node"`
	Peers  []PeerConfig `yaml:"peers"`
	Log    LogConfig    `yaml:"log"`
	Status StatusConfig `yaml:"status"`
}

// NodeConfig describes this node's own identity and, for server nodes, its
// bind ports.
type NodeConfig struct {
	Host       string `yaml:"host"`
	RouterPort uint16 `yaml:"router_port"`
	PubPort    uint16 `yaml:"pub_port"`
}

// PeerConfig is one remote server to connect to.
type PeerConfig struct {
	Host       string `yaml:"host"`
	RouterPort uint16 `yaml:"router_port"`
	PubPort    uint16 `yaml:"pub_port"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StatusConfig controls the optional HTTP introspection endpoint.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig loads and validates a node configuration from a YAML file.
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for i, p := range c.Peers {
		if p.Host == "" {
			return fmt.Errorf("peer %d: host is required", i)
		}
		if p.RouterPort == 0 {
			return fmt.Errorf("peer %d: router_port is required", i)
		}
		if p.PubPort == 0 {
			return fmt.Errorf("peer %d: pub_port is required", i)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	return nil
}

// PeerID converts a peer entry to its overlay identity.
func (p PeerConfig) PeerID() iris.PeerID {
	return iris.PeerID{Host: p.Host, RouterPort: p.RouterPort, PubPort: p.PubPort}
}

// PeerIDs converts the configured peer list.
func (c *Config) PeerIDs() []iris.PeerID {
	peers := make([]iris.PeerID, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, p.PeerID())
	}
	return peers
}

// NodePeerID returns this node's own overlay identity, used by server nodes.
func (c *Config) NodePeerID() iris.PeerID {
	return iris.PeerID{Host: c.Node.Host, RouterPort: c.Node.RouterPort, PubPort: c.Node.PubPort}
}
