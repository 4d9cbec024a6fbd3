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

import "sync"

// pieceStatus is a piece's position in the write-on-verify state machine:
// empty (no blocks buffered) -> dirty (blocks in flight or awaiting
// verification) -> complete (persisted to disk and immutable), with dirty
// reverting to empty on a failed verification.
type pieceStatus int

const (
	statusEmpty pieceStatus = iota
	statusDirty
	statusComplete
)

// pieceState guards one piece's status transition. Grounded on
// agentstorage/pieces.go's per-piece status map, generalized here to a
// per-index mutex rather than a single store-wide metadata file, since this
// engine keeps piece status in memory and recomputes it from a disk rescan
// on Validate rather than persisting a side-channel status blob.
type pieceState struct {
	mu     sync.Mutex
	status pieceStatus
}

// tryMarkDirty transitions empty -> dirty and reports whether it succeeded.
// It is a no-op (returns false) if the piece is already dirty or complete.
func (p *pieceState) tryMarkDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != statusEmpty {
		return false
	}
	p.status = statusDirty
	return true
}

// markEmpty reverts a dirty piece back to empty, e.g. after a failed
// verification, so it becomes requestable again.
func (p *pieceState) markEmpty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = statusEmpty
}

// markComplete transitions dirty -> complete.
func (p *pieceState) markComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = statusComplete
}

// get returns the current status.
func (p *pieceState) get() pieceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func newPieceStates(n int, complete func(i int) bool) []*pieceState {
	states := make([]*pieceState, n)
	for i := range states {
		s := &pieceState{}
		if complete(i) {
			s.status = statusComplete
		}
		states[i] = s
	}
	return states
}
