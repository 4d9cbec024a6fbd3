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

package peer

import (
	"time"

	"github.com/dog4ik/media-server-sub002/utils/bandwidth"
)

// Config configures a Conn. Zero-value fields are filled in by
// applyDefaults, never by New, per the teacher's config convention.
type Config struct {
	// HandshakeTimeout bounds writing and reading during the
	// handshake (and, if both sides support it, the extended handshake).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SenderBufferSize/ReceiverBufferSize size the channels between the
	// Conn's actor API and its read/write loops, so a slow consumer or
	// producer cannot directly block socket I/O.
	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// PipelineDepth is the default number of concurrent outbound block
	// requests a peer session allows (spec §4.5: "up to N concurrent
	// outbound block requests, default 16").
	PipelineDepth int `yaml:"pipeline_depth"`

	// RequestTimeout is how long an outbound block request waits before
	// being cancelled and re-queued with the picker (default 10s).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// SpeedWindow is the rolling window accounting uses to report
	// upload/download speed (default 2s).
	SpeedWindow time.Duration `yaml:"speed_window"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`

	// MetadataSize is advertised in the extended handshake's metadata_size
	// field when non-zero, so a magnet-link peer on the other end knows how
	// many ut_metadata pieces to request (BEP-9). Left zero by a caller that
	// does not yet hold the Info dict itself.
	MetadataSize int64 `yaml:"-"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 100
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 100
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 16
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SpeedWindow == 0 {
		c.SpeedWindow = 2 * time.Second
	}
	return c
}
