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

// Package tracker implements a BitTorrent tracker announce client: HTTP
// (plain bencoded GET) and UDP (BEP-15 connect/announce/scrape) transports,
// unified behind one Client interface and a multi-tier Set that announces
// across an announce-list, promoting whichever tracker answers first within
// its tier.
package tracker

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/dog4ik/media-server-sub002/core"
)

// Event is the BEP-3 announce event.
type Event int

const (
	// EventNone is a regular, periodic re-announce.
	EventNone Event = iota
	// EventStarted is sent on the first announce for a torrent.
	EventStarted
	// EventCompleted is sent once the torrent finishes downloading.
	EventCompleted
	// EventStopped is sent when a torrent is removed or the client shuts
	// down gracefully.
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceParams describes one announce request.
type AnnounceParams struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int
}

// AnnounceResponse is a tracker's reply to an announce.
type AnnounceResponse struct {
	// Interval is the tracker-requested minimum gap before the next
	// regular re-announce.
	Interval time.Duration
	// Seeders and Leechers are the tracker's swarm-size counters, when
	// reported (0 if the tracker omits them).
	Seeders  int64
	Leechers int64
	Peers    []netip.AddrPort
}

// ErrTrackerFailure wraps a tracker-reported failure reason (the bencoded
// "failure reason" key, or a BEP-15 error action). An HTTP status other
// than 200 is returned as a plain error instead.
type ErrTrackerFailure struct {
	Reason string
}

func (e *ErrTrackerFailure) Error() string {
	return "tracker: " + e.Reason
}

// ErrMalformedResponse is returned when a tracker's response cannot be
// parsed as a valid bencoded announce reply.
var ErrMalformedResponse = errors.New("tracker: malformed response")

// Client announces to a single tracker endpoint.
type Client interface {
	// Announce sends one announce request and returns the parsed
	// response. Implementations are responsible for their own transport
	// retries within the call; Announce should only return an error once
	// it has given up.
	Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error)

	// Close releases any resources (e.g. a UDP socket) held by the
	// client.
	Close() error
}
