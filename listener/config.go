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

package listener

import "time"

// Config configures the inbound peer listener.
type Config struct {
	// StartPort is the first TCP port attempted. If it is already in use,
	// the listener scans upward (BEP-3 suggests clients try 6881-6889
	// before giving up; this listener keeps scanning past that range
	// rather than failing, since nothing else on the host depends on a
	// specific port).
	StartPort int `yaml:"start_port"`

	// MaxPortScan bounds how many ports above StartPort are attempted
	// before New gives up.
	MaxPortScan int `yaml:"max_port_scan"`

	// HandshakeTimeout bounds how long an accepted connection has to
	// complete its handshake before it is dropped.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.StartPort == 0 {
		c.StartPort = 6881
	}
	if c.MaxPortScan == 0 {
		c.MaxPortScan = 50
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 3 * time.Second
	}
	return c
}
