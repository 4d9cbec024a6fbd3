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

import "go.uber.org/atomic"

// peerBudget is the session-wide connection cap (spec §5: "single atomic
// counter with CAS increment bounded by configured maximum"), shared by
// every torrent's inbound and outbound connections. go.uber.org/atomic is
// already the teacher's idiom for lock-free counters (e.g.
// storage.Engine's complete counter, peer.Conn's closed flag).
type peerBudget struct {
	max   int
	count *atomic.Int32
}

func newPeerBudget(max int) *peerBudget {
	return &peerBudget{max: max, count: atomic.NewInt32(0)}
}

// tryAcquire reserves one slot, returning false if the budget is exhausted.
func (b *peerBudget) tryAcquire() bool {
	for {
		cur := b.count.Load()
		if int(cur) >= b.max {
			return false
		}
		if b.count.CAS(cur, cur+1) {
			return true
		}
	}
}

// hasRoom is a cheap, non-reserving peek used before paying for a dial;
// the real admission decision is still tryAcquire's CAS.
func (b *peerBudget) hasRoom() bool {
	return int(b.count.Load()) < b.max
}

func (b *peerBudget) release() {
	b.count.Dec()
}

func (b *peerBudget) inUse() int {
	return int(b.count.Load())
}
