// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

package client

import (
	"time"

	"github.com/dog4ik/media-server-sub002/listener"
	"github.com/dog4ik/media-server-sub002/scheduler"
	"github.com/dog4ik/media-server-sub002/storage"
	"github.com/dog4ik/media-server-sub002/tracker"
)

// Config configures a Client session. Zero-value fields are filled in by
// applyDefaults, never by New, per the teacher's config convention.
// Scheduler.Conn is the one peer.Config used for both inbound (listener)
// and outbound (dialer) connections.
type Config struct {
	Listener  listener.Config  `yaml:"listener"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Storage   storage.Config   `yaml:"storage"`
	Tracker   tracker.Config   `yaml:"tracker"`

	// VerifyWorkers sizes the shared hash-verification pool (default
	// runtime.NumCPU, via verify.New).
	VerifyWorkers int `yaml:"verify_workers"`

	// MaxPeers is the session-wide connection budget shared by every
	// torrent (spec §5: "session-wide peer budget is a single atomic
	// counter with CAS increment bounded by configured maximum").
	MaxPeers int `yaml:"max_peers"`

	// MaxPeersPerTorrent caps how much of the session budget one torrent
	// may claim at once.
	MaxPeersPerTorrent int `yaml:"max_peers_per_torrent"`

	// DialRetryBackoff is defaulted but not read by the dialer: a Torrent
	// dials each peer address at most once for its whole lifetime, so a
	// failed address is never retried.
	DialRetryBackoff time.Duration `yaml:"dial_retry_backoff"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeers == 0 {
		c.MaxPeers = 200
	}
	if c.MaxPeersPerTorrent == 0 {
		c.MaxPeersPerTorrent = 50
	}
	if c.DialRetryBackoff == 0 {
		c.DialRetryBackoff = 30 * time.Second
	}
	return c
}
