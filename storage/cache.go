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

package storage

import (
	"sync"

	"github.com/dog4ik/media-server-sub002/utils/heap"
)

// DefaultCacheSize is the number of whole pieces kept in the read cache,
// matching original_source/torrent/src/seeder.rs's CACHE_SIZE constant.
const DefaultCacheSize = 4

// readCache is a small LRU over whole, already-verified piece bytes, shared
// by the scheduler (seeding a piece it already has) and the seeder
// responder (serving byte-range requests) via the same storage handle. It
// is built on utils/heap rather than an intrusive linked list: with a
// capacity this small (4-8 entries) a min-heap keyed by access sequence
// number, with lazy deletion of stale entries on eviction, is simpler than
// hand-rolling a doubly-linked list and costs nothing measurable at this
// size.
type readCache struct {
	mu       sync.Mutex
	capacity int
	seq      int64
	data     map[int][]byte
	latest   map[int]int64
	pq       *heap.PriorityQueue
}

func newReadCache(capacity int) *readCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &readCache{
		capacity: capacity,
		data:     make(map[int][]byte),
		latest:   make(map[int]int64),
		pq:       heap.NewPriorityQueue(),
	}
}

// get returns the cached bytes for piece index, bumping its recency.
func (c *readCache) get(index int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[index]
	if !ok {
		return nil, false
	}
	c.touchLocked(index)
	return b, true
}

// put inserts or refreshes piece index's bytes, evicting the least recently
// used entry if the cache is at capacity.
func (c *readCache) put(index int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[index]; !exists && len(c.data) >= c.capacity {
		c.evictLocked()
	}
	c.data[index] = data
	c.touchLocked(index)
}

// remove drops index from the cache, e.g. because a file covering it was
// disabled and its on-disk bytes are no longer valid to serve.
func (c *readCache) remove(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, index)
	delete(c.latest, index)
}

func (c *readCache) touchLocked(index int) {
	c.seq++
	c.latest[index] = c.seq
	c.pq.Push(&heap.Item{Value: index, Priority: int(c.seq)})
}

// evictLocked pops queue entries until it finds one whose sequence number
// still matches the index's latest recorded access (discarding the stale
// entries left behind by earlier touchLocked calls on the same index).
func (c *readCache) evictLocked() {
	for {
		item, err := c.pq.Pop()
		if err != nil {
			return
		}
		index := item.Value.(int)
		if c.latest[index] == item.Priority {
			delete(c.data, index)
			delete(c.latest, index)
			return
		}
	}
}
