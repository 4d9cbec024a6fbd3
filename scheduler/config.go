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

package scheduler

import (
	"time"

	"github.com/dog4ik/media-server-sub002/peer"
)

// Config configures a Torrent actor. Zero-value fields are filled in by
// applyDefaults, never by New.
type Config struct {
	// TickInterval is how often the run loop re-evaluates piece assignment,
	// expired requests, and choke/unchoke decisions.
	TickInterval time.Duration `yaml:"tick_interval"`

	// ChokeInterval is how often the unchoke set is recomputed, per spec
	// §4.6's choke algorithm.
	ChokeInterval time.Duration `yaml:"choke_interval"`

	// MaxUnchokedPeers bounds how many peers we unchoke at once.
	MaxUnchokedPeers int `yaml:"max_unchoked_peers"`

	// EndgameThreshold is the fraction of pieces remaining (0, 1] at or
	// below which every peer advertising a given piece is sent a request
	// for it, cancelling duplicates once one arrives (spec §4.6 endgame).
	EndgameThreshold float64 `yaml:"endgame_threshold"`

	// MaxStrikes is how many invalid/failed pieces from a single peer are
	// tolerated before it is dropped.
	MaxStrikes int `yaml:"max_strikes"`

	Conn peer.Config `yaml:"conn"`
}

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.ChokeInterval == 0 {
		c.ChokeInterval = 10 * time.Second
	}
	if c.MaxUnchokedPeers == 0 {
		c.MaxUnchokedPeers = 4
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 0.05
	}
	if c.MaxStrikes == 0 {
		c.MaxStrikes = 3
	}
	// PipelineDepth and RequestTimeout drive piecerequest.Manager directly
	// (see Torrent.New), so they need defaults here too: peer.Config's own
	// applyDefaults is unexported and only runs when a Conn is dialed or
	// accepted, which happens outside this package.
	if c.Conn.PipelineDepth == 0 {
		c.Conn.PipelineDepth = 16
	}
	if c.Conn.RequestTimeout == 0 {
		c.Conn.RequestTimeout = 10 * time.Second
	}
	return c
}
