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

// Package piecerequest tracks in-flight block requests: which peer(s) a
// block was requested from, when, and whether it has timed out. It does no
// sending or receiving of its own.
package piecerequest

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dog4ik/media-server-sub002/core"
)

// Status enumerates a Request's lifecycle.
type Status int

// Request statuses.
const (
	// StatusPending denotes a valid request still in flight.
	StatusPending Status = iota
	// StatusExpired denotes a pending request that has timed out.
	StatusExpired
)

// Block identifies one requestable unit: piece index and byte offset
// within the piece.
type Block struct {
	Piece int
	Begin int
}

// Request is one outstanding block request.
type Request struct {
	Block
	PeerID core.PeerID
	Status Status

	sentAt time.Time
}

// Manager encapsulates thread-safe block request bookkeeping, adapted from
// lib/torrent/scheduler/piecerequest/manager.go's whole-piece design to the
// block granularity this engine's real BEP-3 wire protocol requires. Normal
// mode tracks a single requester per block; once the torrent nears
// completion, endgame mode (ReserveEndgame) allows the same block to be
// requested from more than one peer at a time, trading bandwidth for
// finishing the last few pieces quickly (spec §4.6/§9).
type Manager struct {
	mu sync.Mutex

	// requests maps a block to every peer currently holding a pending
	// request for it. In normal mode this slice never exceeds length 1.
	requests       map[Block][]*Request
	requestsByPeer map[core.PeerID]map[Block]*Request

	clock         clock.Clock
	timeout       time.Duration
	pipelineLimit int
}

// NewManager creates a new Manager.
func NewManager(clk clock.Clock, timeout time.Duration, pipelineLimit int) *Manager {
	return &Manager{
		requests:       make(map[Block][]*Request),
		requestsByPeer: make(map[core.PeerID]map[Block]*Request),
		clock:          clk,
		timeout:        timeout,
		pipelineLimit:  pipelineLimit,
	}
}

// PendingCount returns the number of blocks currently pending (unexpired)
// for peerID.
func (m *Manager) PendingCount(peerID core.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingCountLocked(peerID)
}

// FreeCapacity returns how many additional blocks may be requested from
// peerID under the configured pipeline limit.
func (m *Manager) FreeCapacity(peerID core.PeerID) int {
	free := m.pipelineLimit - m.PendingCount(peerID)
	if free < 0 {
		free = 0
	}
	return free
}

// Reserve marks up to FreeCapacity(peerID) of candidates as pending for
// peerID, skipping any already pending (and unexpired) for any peer, and
// returns the blocks actually reserved, in order.
func (m *Manager) Reserve(peerID core.PeerID, candidates []Block) []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(peerID, candidates, false)
}

// ReserveEndgame behaves like Reserve except it does not skip a candidate
// merely because another peer already holds a pending request for it — only
// because peerID itself does. This lets the scheduler duplicate-assign the
// torrent's remaining blocks across every peer that has them once endgame
// mode activates, so one slow peer can't stall completion.
func (m *Manager) ReserveEndgame(peerID core.PeerID, candidates []Block) []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(peerID, candidates, true)
}

func (m *Manager) reserveLocked(peerID core.PeerID, candidates []Block, endgame bool) []Block {
	free := m.pipelineLimit - m.pendingCountLocked(peerID)
	if free <= 0 {
		return nil
	}

	var reserved []Block
	for _, b := range candidates {
		if len(reserved) >= free {
			break
		}
		if _, ok := m.requestsByPeer[peerID][b]; ok {
			continue
		}
		if !endgame && m.hasPendingLocked(b) {
			continue
		}
		// Any requester left over from a timed-out request for b is stale
		// by now (Reserve only reaches here once hasPendingLocked says no
		// one still holds a live one) and must be dropped before adding a
		// new owner, or a later ClearPeer/Complete for that stale requester
		// would have dangling requestsByPeer bookkeeping to clean up.
		m.dropExpiredLocked(b)

		r := &Request{Block: b, PeerID: peerID, Status: StatusPending, sentAt: m.clock.Now()}
		m.requests[b] = append(m.requests[b], r)
		if m.requestsByPeer[peerID] == nil {
			m.requestsByPeer[peerID] = make(map[Block]*Request)
		}
		m.requestsByPeer[peerID][b] = r
		reserved = append(reserved, b)
	}
	return reserved
}

// hasPendingLocked reports whether any peer holds an unexpired pending
// request for b.
func (m *Manager) hasPendingLocked(b Block) bool {
	for _, r := range m.requests[b] {
		if r.Status == StatusPending && !m.expired(r) {
			return true
		}
	}
	return false
}

// dropExpiredLocked removes every expired request for b from both requests
// and requestsByPeer, so a timed-out requester's bookkeeping doesn't linger
// once another peer has been reserved the same block.
func (m *Manager) dropExpiredLocked(b Block) {
	live := m.requests[b][:0]
	for _, r := range m.requests[b] {
		if !m.expired(r) {
			live = append(live, r)
			continue
		}
		if pm, ok := m.requestsByPeer[r.PeerID]; ok {
			delete(pm, b)
			if len(pm) == 0 {
				delete(m.requestsByPeer, r.PeerID)
			}
		}
	}
	if len(live) == 0 {
		delete(m.requests, b)
	} else {
		m.requests[b] = live
	}
}

func (m *Manager) pendingCountLocked(peerID core.PeerID) int {
	n := 0
	for _, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending && !m.expired(r) {
			n++
		}
	}
	return n
}

// Complete clears the bookkeeping for one fulfilled block request and
// returns the other peers (if any, from endgame duplicate-assignment) whose
// now-redundant requests for the same block should be cancelled with
// MsgCancel.
func (m *Manager) Complete(peerID core.PeerID, b Block) []core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var losers []core.PeerID
	remaining := m.requests[b][:0]
	for _, r := range m.requests[b] {
		if r.PeerID == peerID {
			continue
		}
		losers = append(losers, r.PeerID)
		if pm, ok := m.requestsByPeer[r.PeerID]; ok {
			delete(pm, b)
			if len(pm) == 0 {
				delete(m.requestsByPeer, r.PeerID)
			}
		}
	}
	if len(remaining) == 0 {
		delete(m.requests, b)
	} else {
		m.requests[b] = remaining
	}

	if pm, ok := m.requestsByPeer[peerID]; ok {
		delete(pm, b)
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}

	return losers
}

// PendingBlocks returns every block with at least one unexpired pending
// request, regardless of peer. The scheduler intersects this against a
// peer's bitfield to find endgame duplicate-assignment candidates.
func (m *Manager) PendingBlocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	var blocks []Block
	for b, reqs := range m.requests {
		for _, r := range reqs {
			if r.Status == StatusPending && !m.expired(r) {
				blocks = append(blocks, b)
				break
			}
		}
	}
	return blocks
}

// ClearPiece removes every tracked block request for piece, regardless of
// peer. Called once a piece finishes its buffer-verify-persist pipeline,
// successfully or not.
func (m *Manager) ClearPiece(piece int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b, reqs := range m.requests {
		if b.Piece != piece {
			continue
		}
		for _, r := range reqs {
			if pm, ok := m.requestsByPeer[r.PeerID]; ok {
				delete(pm, b)
				if len(pm) == 0 {
					delete(m.requestsByPeer, r.PeerID)
				}
			}
		}
		delete(m.requests, b)
	}
}

// PeerPieces returns the distinct piece indices peerID has an in-flight
// block request for. Called before ClearPeer on disconnect so the scheduler
// can re-queue those pieces rather than losing them from the picker
// entirely.
func (m *Manager) PeerPieces(peerID core.PeerID) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int]struct{})
	var pieces []int
	for b := range m.requestsByPeer[peerID] {
		if _, ok := seen[b.Piece]; ok {
			continue
		}
		seen[b.Piece] = struct{}{}
		pieces = append(pieces, b.Piece)
	}
	return pieces
}

// ClearPeer removes every tracked block request attributed to peerID, e.g.
// on disconnect.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b := range m.requestsByPeer[peerID] {
		reqs := m.requests[b][:0]
		for _, r := range m.requests[b] {
			if r.PeerID != peerID {
				reqs = append(reqs, r)
			}
		}
		if len(reqs) == 0 {
			delete(m.requests, b)
		} else {
			m.requests[b] = reqs
		}
	}
	delete(m.requestsByPeer, peerID)
}

// ExpiredPieces returns the set of distinct piece indices with at least one
// expired, still-pending block request, along with the peer each was
// requested from. The scheduler calls this once per tick to re-queue
// stalled pieces per spec's request-timeout policy.
func (m *Manager) ExpiredPieces() map[int]core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]core.PeerID)
	for b, reqs := range m.requests {
		for _, r := range reqs {
			if r.Status == StatusPending && m.expired(r) {
				out[b.Piece] = r.PeerID
				break
			}
		}
	}
	return out
}

func (m *Manager) expired(r *Request) bool {
	return m.clock.Now().After(r.sentAt.Add(m.timeout))
}
