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
	"sync"

	"github.com/dog4ik/media-server-sub002/peer"
)

// connTracker implements peer.Events, releasing the session-wide peer
// budget when a Conn it admitted closes. A single instance is shared by
// the listener (inbound) and every torrent's dialer (outbound), since the
// budget itself is session-wide (spec §5).
//
// A Conn is only ever "admitted" (counted against the budget) at the one
// choke point, Torrent.AddConn, after its handshake completes; a Conn
// rejected there (banned, or budget exhausted) is closed without ever
// being marked counted, so its eventual ConnClosed is a no-op here.
type connTracker struct {
	budget *peerBudget

	mu      sync.Mutex
	counted map[*peer.Conn]struct{}
}

func newConnTracker(budget *peerBudget) *connTracker {
	return &connTracker{budget: budget, counted: make(map[*peer.Conn]struct{})}
}

func (t *connTracker) markCounted(c *peer.Conn) {
	t.mu.Lock()
	t.counted[c] = struct{}{}
	t.mu.Unlock()
}

// ConnClosed implements peer.Events.
func (t *connTracker) ConnClosed(c *peer.Conn) {
	t.mu.Lock()
	_, ok := t.counted[c]
	if ok {
		delete(t.counted, c)
	}
	t.mu.Unlock()
	if ok {
		t.budget.release()
	}
}
