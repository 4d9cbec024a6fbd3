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

package piece

import (
	"sync"

	"github.com/google/btree"
)

// Strategy selects the ordering the picker maintains over candidate pieces.
type Strategy int

// Supported strategies.
const (
	// Linear orders by (priority DESC, index ASC).
	Linear Strategy = iota
	// RareFirst orders by (priority DESC, rarity ASC, index ASC).
	RareFirst
)

const btreeDegree = 32

// key is the btree-ordered representation of one queued piece. Less(a, b)
// reports whether a is strictly more preferred than b, so the btree's
// minimum element is always the current queue head.
type key struct {
	index    int
	priority Priority
	rarity   uint8
	strategy Strategy
}

func (k key) less(o key) bool {
	if k.priority != o.priority {
		return k.priority > o.priority
	}
	if k.strategy == RareFirst && k.rarity != o.rarity {
		return k.rarity < o.rarity
	}
	return k.index < o.index
}

// Picker maintains an ordered queue of pieces eligible for download under
// the active Strategy, plus an optional one-shot Request(i) override. It is
// the sole owner of its state: callers serialize access to it (the
// scheduler actor), so no internal locking is required for the happy path,
// but a mutex guards it regardless since the streaming responder also peeks
// at it from another goroutine.
type Picker struct {
	mu       sync.Mutex
	strategy Strategy
	table    map[int]Entry
	tree     *btree.BTreeG[key]

	overrideWindow []int
	overrideRevert Strategy
	requestWindow  int
}

// DefaultRequestWindow is how many pieces starting at a Request(index)
// target are prioritized ahead of the active strategy's order, for
// streaming readahead (spec §4.2).
const DefaultRequestWindow = 4

// New creates an empty Picker using the given initial strategy.
func New(strategy Strategy) *Picker {
	return &Picker{
		strategy:      strategy,
		table:         make(map[int]Entry),
		tree:          newTree(strategy),
		requestWindow: DefaultRequestWindow,
	}
}

// SetRequestWindow configures how many pieces starting at a Request(index)
// target are prioritized ahead of the active strategy. n < 1 is treated as
// 1 (just the requested piece itself).
func (p *Picker) SetRequestWindow(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestWindow = n
}

func newTree(Strategy) *btree.BTreeG[key] {
	return btree.NewG(btreeDegree, func(a, b key) bool { return a.less(b) })
}

// Rebuild replaces the entire piece table and re-derives the queue from it.
func (p *Picker) Rebuild(table map[int]Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.table = make(map[int]Entry, len(table))
	p.tree = newTree(p.strategy)
	for idx, e := range table {
		p.table[idx] = e
		if e.queueable() {
			p.tree.ReplaceOrInsert(p.keyFor(idx, e))
		}
	}
}

func (p *Picker) keyFor(index int, e Entry) key {
	return key{index: index, priority: e.Priority, rarity: e.Rarity, strategy: p.strategy}
}

// SetStrategy switches the active strategy and reorders the queue
// accordingly. Keeps any Request override's revert target untouched.
func (p *Picker) SetStrategy(s Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
	p.rebuildTreeLocked()
}

func (p *Picker) rebuildTreeLocked() {
	p.tree = newTree(p.strategy)
	for idx, e := range p.table {
		if e.queueable() {
			p.tree.ReplaceOrInsert(p.keyFor(idx, e))
		}
	}
}

// Request installs an override: pops return index, then index+1, ... up to
// requestWindow pieces ahead, in order, ahead of the active strategy's
// order, reverting once every piece in the window has been marked saved (or
// has otherwise left the queue). This serves streaming readahead, where the
// player needs the pieces immediately after its current position before
// anything else.
func (p *Picker) Request(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	window := p.requestWindow
	if window < 1 {
		window = 1
	}
	indices := make([]int, window)
	for i := 0; i < window; i++ {
		indices[i] = index + i
	}
	p.overrideWindow = indices
	p.overrideRevert = p.strategy
}

// firstEligibleOverrideLocked returns the first piece in the active
// Request() window that is still outstanding (present, not saved, not
// disabled) and, if has is non-nil, that has also reports true for.
func (p *Picker) firstEligibleOverrideLocked(has func(int) bool) (int, bool) {
	for _, idx := range p.overrideWindow {
		e, ok := p.table[idx]
		if !ok || e.Priority == Disabled || e.IsSaved {
			continue
		}
		if has != nil && !has(idx) {
			continue
		}
		return idx, true
	}
	return 0, false
}

// clearOverrideLocked drops the active Request() window and reverts to the
// strategy active when Request was called.
func (p *Picker) clearOverrideLocked() {
	p.overrideWindow = nil
	p.strategy = p.overrideRevert
	p.rebuildTreeLocked()
}

// SetPriority updates a piece's priority, re-deriving queue membership: a
// piece dropping to Disabled leaves the queue, one rising above it
// (re-)enters.
func (p *Picker) SetPriority(index int, pr Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.table[index]
	if e.queueable() {
		p.tree.Delete(p.keyFor(index, e))
	}
	e.Priority = pr
	p.table[index] = e
	if e.queueable() {
		p.tree.ReplaceOrInsert(p.keyFor(index, e))
	}
}

// UpdateRarity updates a piece's rarity count, repositioning it in the
// queue if RareFirst is active.
func (p *Picker) UpdateRarity(index int, rarity uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.table[index]
	if !ok {
		return
	}
	if e.queueable() {
		p.tree.Delete(p.keyFor(index, e))
	}
	e.Rarity = rarity
	p.table[index] = e
	if e.queueable() {
		p.tree.ReplaceOrInsert(p.keyFor(index, e))
	}
}

// MarkSaved marks a piece saved, removing it from the queue. If every piece
// in the active Request window has now been saved (or otherwise left the
// queue), the override is cleared and the picker reverts to the strategy
// active before the override.
func (p *Picker) MarkSaved(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.table[index]
	if ok {
		if e.queueable() {
			p.tree.Delete(p.keyFor(index, e))
		}
		e.IsSaved = true
		p.table[index] = e
	}
	if len(p.overrideWindow) > 0 {
		if _, eligible := p.firstEligibleOverrideLocked(nil); !eligible {
			p.clearOverrideLocked()
		}
	}
}

// Peek returns the current queue head without removing it.
func (p *Picker) Peek() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peekLocked()
}

func (p *Picker) peekLocked() (int, bool) {
	if idx, ok := p.firstEligibleOverrideLocked(nil); ok {
		return idx, true
	}
	k, ok := p.tree.Min()
	if !ok {
		return 0, false
	}
	return k.index, true
}

// PopNext removes and returns the current queue head.
func (p *Picker) PopNext() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.firstEligibleOverrideLocked(nil); ok {
		e := p.table[idx]
		if e.queueable() {
			p.tree.Delete(p.keyFor(idx, e))
		}
		return idx, true
	}
	if len(p.overrideWindow) > 0 {
		p.clearOverrideLocked()
	}

	k, ok := p.tree.Min()
	if !ok {
		return 0, false
	}
	p.tree.Delete(k)
	return k.index, true
}

// PopClosestForBitfield returns the queue's closest-to-head piece that bf
// advertises having, iterating from the head outward. This is the
// peer-assignment primitive: the scheduler calls it once per peer with free
// pipeline capacity.
func (p *Picker) PopClosestForBitfield(has func(index int) bool) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.firstEligibleOverrideLocked(has); ok {
		e := p.table[idx]
		if e.queueable() {
			p.tree.Delete(p.keyFor(idx, e))
		}
		return idx, true
	}

	var foundKey key
	var found int
	var ok bool
	p.tree.Ascend(func(k key) bool {
		if has(k.index) {
			foundKey, found, ok = k, k.index, true
			return false
		}
		return true
	})
	if ok {
		p.tree.Delete(foundKey)
	}
	return found, ok
}

// PutBack re-enters a piece into the queue at its strategy-ordered
// position, e.g. after a peer disconnects mid-request or a block fails.
func (p *Picker) PutBack(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.table[index]
	if !ok || !e.queueable() {
		return
	}
	p.tree.ReplaceOrInsert(p.keyFor(index, e))
}

// Len returns the number of pieces currently queued.
func (p *Picker) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.Len()
}
