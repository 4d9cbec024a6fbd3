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

	"github.com/dog4ik/media-server-sub002/core"
)

// banList is the session-scoped set of peers banned for malformed wire
// frames (spec §7: "Malformed wire frame → close that peer, ban for
// session"). It is intentionally not persisted: a restart clears it, per
// the Open Question resolution recorded in DESIGN.md. Mutex+map follows
// the same idiom as scheduler.Torrent's own peers table.
type banList struct {
	mu      sync.RWMutex
	peerIDs map[core.PeerID]struct{}
}

func newBanList() *banList {
	return &banList{peerIDs: make(map[core.PeerID]struct{})}
}

func (b *banList) ban(id core.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peerIDs[id] = struct{}{}
}

func (b *banList) isBanned(id core.PeerID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peerIDs[id]
	return ok
}
