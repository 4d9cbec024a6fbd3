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

import (
	"sync"

	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/peer"
)

// TorrentHandle is the subset of *scheduler.Torrent the listener needs: a
// place to hand off a freshly handshaken inbound connection.
type TorrentHandle interface {
	AddConn(c *peer.Conn) error
}

// Registry maps an info hash to the active torrent accepting connections
// for it, populated by each torrent as it starts and cleared when it
// closes. One Registry is shared by every Listener and the client façade
// that owns the set of running torrents.
type Registry struct {
	mu   sync.RWMutex
	byIH map[core.InfoHash]TorrentHandle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byIH: make(map[core.InfoHash]TorrentHandle)}
}

// Register adds (or replaces) the torrent handling infoHash.
func (r *Registry) Register(infoHash core.InfoHash, t TorrentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIH[infoHash] = t
}

// Unregister removes infoHash, if present. A no-op if it is the wrong
// handle (e.g. a stale Unregister racing a newer Register for the same
// info hash after a remove-then-readd).
func (r *Registry) Unregister(infoHash core.InfoHash, t TorrentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byIH[infoHash]; ok && cur == t {
		delete(r.byIH, infoHash)
	}
}

// Lookup returns the torrent registered for infoHash, if any.
func (r *Registry) Lookup(infoHash core.InfoHash) (TorrentHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byIH[infoHash]
	return t, ok
}

// resolve adapts Lookup to the func(core.InfoHash) bool shape peer.Accept
// expects: a pure existence check performed before the handshake's reply
// is sent, independent of the second Lookup used to actually deliver the
// connection once accepted.
func (r *Registry) resolve(infoHash core.InfoHash) bool {
	_, ok := r.Lookup(infoHash)
	return ok
}
