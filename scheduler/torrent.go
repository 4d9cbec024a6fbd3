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

// Package scheduler runs one Torrent's download/seed actor: piece
// assignment across connected peers, block-request pipelining and timeout
// handling, choke/unchoke policy, and storage/picker bookkeeping on piece
// completion. Grounded on lib/torrent/scheduler/scheduler.go and
// dispatcher.go's actor shape (a single-threaded run loop driven by an
// inbound event channel plus a ticker), generalized from kraken's
// whole-torrent-at-once blob transfer to per-block BitTorrent semantics.
package scheduler

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dog4ik/media-server-sub002/bitfield"
	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/peer"
	"github.com/dog4ik/media-server-sub002/piece"
	"github.com/dog4ik/media-server-sub002/scheduler/piecerequest"
	"github.com/dog4ik/media-server-sub002/storage"
)

// peerSession consolidates per-peer bookkeeping: the wire Conn, its
// advertised bitfield (nil until the first bitfield/have message arrives),
// and a strike count for invalid pieces attributed to it.
type peerSession struct {
	conn     *peer.Conn
	bitfield *bitfield.Bitfield
	strikes  int
}

func (s *peerSession) has(index int) bool {
	if s.bitfield == nil {
		return false
	}
	ok, _ := s.bitfield.Has(uint64(index))
	return ok
}

type inboundMsg struct {
	peerID core.PeerID
	msg    peer.Message
}

// Torrent is one torrent's scheduling actor. AddConn registers new peer
// connections; Start begins the run loop; Close tears everything down.
type Torrent struct {
	info        *core.Info
	infoHash    core.InfoHash
	localPeerID core.PeerID
	config      Config
	clk         clock.Clock
	stats       tally.Scope
	log         *zap.SugaredLogger

	storage    *storage.Engine
	picker     *piece.Picker
	priorities []piece.Priority
	requests   *piecerequest.Manager

	mu             sync.Mutex
	bitfield       *bitfield.Bitfield
	peers          map[core.PeerID]*peerSession
	lastPieceOwner map[int]core.PeerID
	filePriorities map[int]bool

	inbound    chan inboundMsg
	addConnCh  chan *peer.Conn
	removePeer chan core.PeerID

	startOnce sync.Once
	closed    *atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a Torrent. params.Bitfield should be the pruned, post-resume
// bitfield returned by engine.Validate; pieces outside params' enabled
// files are disabled in both the storage engine and the picker. infoHash is
// the torrent's identity, normally already known to the caller (derived
// once at torrent-add time from the bencoded info dict, or parsed from a
// magnet link).
func New(
	info *core.Info,
	infoHash core.InfoHash,
	localPeerID core.PeerID,
	engine *storage.Engine,
	params storage.DownloadParams,
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	log *zap.SugaredLogger,
) (*Torrent, error) {
	config = config.applyDefaults()
	if stats == nil {
		stats = tally.NoopScope
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	n := info.NumPieces()
	enabled, err := storage.EnabledFilesBitfield(info, params)
	if err != nil {
		return nil, fmt.Errorf("enabled files bitfield: %s", err)
	}

	priorities := make([]piece.Priority, n)
	table := make(map[int]piece.Entry, n)
	bf := bitfield.New(uint64(n))
	for i := 0; i < n; i++ {
		isEnabled, err := enabled.Has(uint64(i))
		if err != nil {
			return nil, err
		}
		priority := piece.Medium
		if !isEnabled {
			priority = piece.Disabled
			if err := engine.SetPieceDisabled(i, true); err != nil {
				return nil, err
			}
		}
		priorities[i] = priority

		saved, err := params.Bitfield.Has(uint64(i))
		if err != nil {
			return nil, err
		}
		if saved {
			if err := bf.Add(uint64(i)); err != nil {
				return nil, err
			}
		}
		table[i] = piece.Entry{Priority: priority, IsSaved: saved}
	}

	picker := piece.New(piece.RareFirst)
	picker.Rebuild(table)

	filePriorities := make(map[int]bool, len(params.FilePriorities))
	for i, enabled := range params.FilePriorities {
		filePriorities[i] = enabled
	}

	t := &Torrent{
		info:           info,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		config:         config,
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"module": "scheduler"}),
		log:            log,
		storage:        engine,
		picker:         picker,
		priorities:     priorities,
		requests:       piecerequest.NewManager(clk, config.Conn.RequestTimeout, config.Conn.PipelineDepth),
		bitfield:       bf,
		peers:          make(map[core.PeerID]*peerSession),
		lastPieceOwner: make(map[int]core.PeerID),
		filePriorities: filePriorities,
		inbound:        make(chan inboundMsg, 256),
		addConnCh:      make(chan *peer.Conn, 16),
		removePeer:     make(chan core.PeerID, 16),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
	return t, nil
}

// InfoHash returns the torrent's identity.
func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

// Bitfield returns a clone of the torrent's current completion state.
func (t *Torrent) Bitfield() *bitfield.Bitfield {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield.Clone()
}

// Complete reports whether every piece has been downloaded.
func (t *Torrent) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield.IsFull()
}

// PeerSnapshot is one connected peer's state, as reported to a progress
// consumer.
type PeerSnapshot struct {
	PeerID      core.PeerID
	Addr        net.Addr
	DownRate    float64
	UpRate      float64
	Policy      peer.ChokePolicy
}

// Peers returns a snapshot of every currently connected peer.
func (t *Torrent) Peers() []PeerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerSnapshot, 0, len(t.peers))
	for id, s := range t.peers {
		out = append(out, PeerSnapshot{
			PeerID:   id,
			Addr:     s.conn.RemoteAddr(),
			DownRate: s.conn.DownloadRate(),
			UpRate:   s.conn.UploadRate(),
			Policy:   s.conn.Policy(),
		})
	}
	return out
}

// SetStrategy switches the picker's scheduling strategy (spec §6's
// set_strategy). The picker guards its own state, so this can be called
// concurrently with the run loop.
func (t *Torrent) SetStrategy(s piece.Strategy) {
	t.picker.SetStrategy(s)
}

// RequestPiece installs a readahead override so pops favor index and the
// configured window of pieces after it over the active strategy's order,
// per spec §6's streaming use case.
func (t *Torrent) RequestPiece(index int) {
	t.picker.Request(index)
}

// SetFilePriority enables or disables fileIndex (spec §6's
// set_file_priority), re-deriving every affected piece's priority: a piece
// leaves the queue only once every file it spans is disabled. In-flight
// blocks for newly-disabled pieces are left to arrive and are dropped by
// the storage engine, which ignores writes to disabled pieces.
func (t *Torrent) SetFilePriority(fileIndex int, enabled bool) error {
	if fileIndex < 0 || fileIndex >= len(t.info.FileList()) {
		return fmt.Errorf("file index %d out of range", fileIndex)
	}
	t.mu.Lock()
	t.filePriorities[fileIndex] = enabled
	params := storage.DownloadParams{Info: *t.info, FilePriorities: t.filePriorities}
	t.mu.Unlock()

	enabledBf, err := storage.EnabledFilesBitfield(t.info, params)
	if err != nil {
		return fmt.Errorf("recompute enabled pieces: %s", err)
	}

	n := t.info.NumPieces()
	for i := 0; i < n; i++ {
		isEnabled, err := enabledBf.Has(uint64(i))
		if err != nil {
			return err
		}
		priority := piece.Medium
		if !isEnabled {
			priority = piece.Disabled
		}
		if err := t.storage.SetPieceDisabled(i, !isEnabled); err != nil {
			return err
		}
		t.priorities[i] = priority
		t.picker.SetPriority(i, priority)
	}
	return nil
}

// AddConn registers c (already past handshake) with the torrent and starts
// forwarding its inbound messages into the run loop.
func (t *Torrent) AddConn(c *peer.Conn) error {
	if t.closed.Load() {
		return errors.New("torrent closed")
	}
	select {
	case t.addConnCh <- c:
		return nil
	case <-t.done:
		return errors.New("torrent closed")
	}
}

// Start begins the run loop. Calling Start more than once is a no-op.
func (t *Torrent) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.run()
	})
}

// Close tears down every peer connection and stops the run loop.
func (t *Torrent) Close() {
	if !t.closed.CAS(false, true) {
		return
	}
	close(t.done)
	t.wg.Wait()
}

func (t *Torrent) run() {
	defer t.wg.Done()

	ticker := t.clk.Ticker(t.config.TickInterval)
	defer ticker.Stop()

	chokeTicker := t.clk.Ticker(t.config.ChokeInterval)
	defer chokeTicker.Stop()

	for {
		select {
		case <-t.done:
			t.closeAllPeers()
			return
		case c := <-t.addConnCh:
			t.handleAddConn(c)
		case peerID := <-t.removePeer:
			t.handleRemovePeer(peerID)
		case im := <-t.inbound:
			t.handleMessage(im.peerID, im.msg)
		case ev, ok := <-t.storage.Events():
			if !ok {
				continue
			}
			t.handlePieceEvent(ev)
		case <-ticker.C:
			t.requeueExpired()
			t.assignPieces()
		case <-chokeTicker.C:
			t.runChokeAlgorithm()
		}
	}
}

func (t *Torrent) closeAllPeers() {
	t.mu.Lock()
	peers := make([]*peerSession, 0, len(t.peers))
	for _, s := range t.peers {
		peers = append(peers, s)
	}
	t.mu.Unlock()
	for _, s := range peers {
		s.conn.Close()
	}
}

func (t *Torrent) handleAddConn(c *peer.Conn) {
	t.mu.Lock()
	if _, ok := t.peers[c.PeerID()]; ok {
		t.mu.Unlock()
		c.Close()
		return
	}
	t.peers[c.PeerID()] = &peerSession{conn: c}
	t.mu.Unlock()

	c.Start()
	t.wg.Add(1)
	go t.forwardInbound(c)

	bf := t.Bitfield()
	if bf.CountOnes() > 0 {
		if err := c.Send(peer.Message{ID: peer.MsgBitfield, Bitfield: bf.Bytes()}); err != nil {
			t.log.Debugw("send bitfield failed", "peer", c.PeerID(), "error", err)
		}
	}
}

func (t *Torrent) forwardInbound(c *peer.Conn) {
	defer t.wg.Done()
	for msg := range c.Receiver() {
		select {
		case t.inbound <- inboundMsg{peerID: c.PeerID(), msg: msg}:
		case <-t.done:
			return
		}
	}
	select {
	case t.removePeer <- c.PeerID():
	case <-t.done:
	}
}

func (t *Torrent) handleRemovePeer(peerID core.PeerID) {
	t.mu.Lock()
	delete(t.peers, peerID)
	t.mu.Unlock()

	for _, index := range t.requests.PeerPieces(peerID) {
		t.picker.PutBack(index)
	}
	t.requests.ClearPeer(peerID)
}

func (t *Torrent) handleMessage(peerID core.PeerID, msg peer.Message) {
	t.mu.Lock()
	s, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return
	}

	switch msg.ID {
	case peer.MsgKeepAlive:
	case peer.MsgBitfield:
		bf, err := bitfield.FromBytes(msg.Bitfield, uint64(t.info.NumPieces()))
		if err != nil {
			t.log.Debugw("invalid bitfield from peer", "peer", peerID, "error", err)
			s.conn.Close()
			return
		}
		s.bitfield = bf
		t.updateInterest(s)
	case peer.MsgHave:
		if s.bitfield == nil {
			s.bitfield = bitfield.New(uint64(t.info.NumPieces()))
		}
		if err := s.bitfield.Add(uint64(msg.Index)); err != nil {
			t.log.Debugw("invalid have from peer", "peer", peerID, "error", err)
			return
		}
		t.updateInterest(s)
	case peer.MsgRequest:
		t.handlePeerRequest(s, msg)
	case peer.MsgPiece:
		t.handlePeerPiece(s, msg)
	case peer.MsgCancel:
		// Best-effort wire protocol: outbound pieces are small and cheap
		// enough that we do not bother dequeuing already-scheduled sends.
	case peer.MsgChoke, peer.MsgUnchoke, peer.MsgInterested, peer.MsgNotInterested:
		// Policy bookkeeping already happened in peer.Conn before this
		// message reached the channel.
	}
}

// validBlock reports whether begin/length fall within piece index's actual
// length and do not exceed the 16 KiB block size, per spec §7's error table
// ("block length > 16 KiB or crossing piece boundary" closes the session).
func (t *Torrent) validBlock(index, begin, length int) bool {
	if length <= 0 || length > storage.BlockSize {
		return false
	}
	pieceLen, err := t.info.PieceLen(index)
	if err != nil {
		return false
	}
	if begin < 0 || int64(begin+length) > pieceLen {
		return false
	}
	return true
}

func (t *Torrent) handlePeerRequest(s *peerSession, msg peer.Message) {
	if !t.validBlock(int(msg.Index), int(msg.Begin), int(msg.Length)) {
		t.log.Debugw("oversized or out-of-bounds block request, closing", "peer", s.conn.PeerID(), "piece", msg.Index)
		s.conn.Close()
		return
	}
	if s.conn.Policy().AmChoked {
		return
	}
	if !t.storage.HasPiece(int(msg.Index)) {
		return
	}
	data, err := t.storage.Retrieve(int(msg.Index))
	if err != nil {
		t.log.Debugw("retrieve requested piece failed", "piece", msg.Index, "error", err)
		return
	}
	begin := int(msg.Begin)
	length := int(msg.Length)
	block := make([]byte, length)
	copy(block, data[begin:begin+length])
	if err := s.conn.Send(peer.Message{ID: peer.MsgPiece, Index: msg.Index, Begin: msg.Begin, Block: block}); err != nil {
		t.log.Debugw("send piece failed", "peer", s.conn.PeerID(), "error", err)
	}
}

func (t *Torrent) handlePeerPiece(s *peerSession, msg peer.Message) {
	peerID := s.conn.PeerID()
	if !t.validBlock(int(msg.Index), int(msg.Begin), len(msg.Block)) {
		t.log.Debugw("oversized or out-of-bounds block payload, closing", "peer", peerID, "piece", msg.Index)
		s.conn.Close()
		return
	}

	block := piecerequest.Block{Piece: int(msg.Index), Begin: int(msg.Begin)}
	losers := t.requests.Complete(peerID, block)
	t.sendCancels(block, losers)

	t.mu.Lock()
	t.lastPieceOwner[int(msg.Index)] = peerID
	t.mu.Unlock()

	if err := t.storage.WriteBlock(int(msg.Index), int(msg.Begin), msg.Block); err != nil {
		t.log.Warnw("write block failed", "peer", peerID, "piece", msg.Index, "error", err)
	}
}

// sendCancels notifies every peer in losers that block is no longer needed
// from them, since another peer's duplicate (endgame) request already
// delivered it.
func (t *Torrent) sendCancels(block piecerequest.Block, losers []core.PeerID) {
	if len(losers) == 0 {
		return
	}
	t.mu.Lock()
	sessions := make([]*peerSession, 0, len(losers))
	for _, peerID := range losers {
		if s, ok := t.peers[peerID]; ok {
			sessions = append(sessions, s)
		}
	}
	t.mu.Unlock()

	for _, s := range sessions {
		err := s.conn.Send(peer.Message{
			ID:     peer.MsgCancel,
			Index:  uint32(block.Piece),
			Begin:  uint32(block.Begin),
			Length: storage.BlockSize,
		})
		if err != nil {
			t.log.Debugw("send cancel failed", "peer", s.conn.PeerID(), "error", err)
		}
	}
}

func (t *Torrent) handlePieceEvent(ev storage.PieceEvent) {
	t.requests.ClearPiece(ev.Index)

	if !ev.Verified {
		t.picker.SetPriority(ev.Index, t.priorities[ev.Index])
		t.strikeLastOwner(ev.Index)
		return
	}

	t.picker.MarkSaved(ev.Index)

	t.mu.Lock()
	t.bitfield.Add(uint64(ev.Index))
	peers := make([]*peerSession, 0, len(t.peers))
	for _, s := range t.peers {
		peers = append(peers, s)
	}
	t.mu.Unlock()

	for _, s := range peers {
		if err := s.conn.Send(peer.Message{ID: peer.MsgHave, Index: uint32(ev.Index)}); err != nil {
			t.log.Debugw("send have failed", "peer", s.conn.PeerID(), "error", err)
			continue
		}
		t.updateInterest(s)
	}
}

// strikeLastOwner credits a failed piece verification against whichever
// peer most recently delivered one of its blocks, disconnecting that peer
// once it crosses config.MaxStrikes. Hashfails are rare against honest
// peers, so this is a blunt but effective defense against peers sending
// corrupt data.
func (t *Torrent) strikeLastOwner(index int) {
	t.mu.Lock()
	peerID, ok := t.lastPieceOwner[index]
	delete(t.lastPieceOwner, index)
	if !ok {
		t.mu.Unlock()
		return
	}
	s, ok := t.peers[peerID]
	if !ok {
		t.mu.Unlock()
		return
	}
	s.strikes++
	strikes := s.strikes
	t.mu.Unlock()

	if strikes >= t.config.MaxStrikes {
		t.log.Warnw("disconnecting peer for repeated hashfails", "peer", peerID, "strikes", strikes)
		s.conn.Close()
	}
}

// runChokeAlgorithm unchokes up to MaxUnchokedPeers interested peers,
// preferring the fastest downloaders (a simplified tit-for-tat: spec's
// choke policy rewards peers currently giving us the most data), and
// chokes everyone else.
func (t *Torrent) runChokeAlgorithm() {
	t.mu.Lock()
	peers := make([]*peerSession, 0, len(t.peers))
	for _, s := range t.peers {
		peers = append(peers, s)
	}
	t.mu.Unlock()

	interested := make([]*peerSession, 0, len(peers))
	for _, s := range peers {
		if s.conn.Policy().PeerInterested {
			interested = append(interested, s)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		return interested[i].conn.DownloadRate() > interested[j].conn.DownloadRate()
	})

	unchoked := make(map[core.PeerID]bool, t.config.MaxUnchokedPeers)
	for i, s := range interested {
		if i >= t.config.MaxUnchokedPeers {
			break
		}
		unchoked[s.conn.PeerID()] = true
	}

	for _, s := range peers {
		choked := !unchoked[s.conn.PeerID()]
		if err := s.conn.SetAmChoking(choked); err != nil {
			t.log.Debugw("set choking failed", "peer", s.conn.PeerID(), "error", err)
		}
	}
}

// updateInterest recomputes whether we are interested in s: true iff s has
// at least one piece we have not yet saved.
func (t *Torrent) updateInterest(s *peerSession) {
	if s.bitfield == nil {
		return
	}
	interested := false
	for i := 0; i < t.info.NumPieces(); i++ {
		if t.priorities[i] == piece.Disabled {
			continue
		}
		has, _ := t.bitfield.Has(uint64(i))
		if has {
			continue
		}
		if s.has(i) {
			interested = true
			break
		}
	}
	if err := s.conn.SetAmInterested(interested); err != nil {
		t.log.Debugw("set interested failed", "peer", s.conn.PeerID(), "error", err)
	}
}

func (t *Torrent) requeueExpired() {
	for index, peerID := range t.requests.ExpiredPieces() {
		t.requests.ClearPiece(index)
		t.picker.PutBack(index)
		t.log.Debugw("block request timed out, re-queueing piece", "piece", index, "peer", peerID)
	}
}

// assignPieces gives every unchoked, interested-in peer with free pipeline
// capacity the next piece whose blocks all fit in that capacity. Once
// endgame() activates, any remaining capacity is filled by duplicate
// requests for blocks already in flight from other peers (spec §4.6).
func (t *Torrent) assignPieces() {
	t.mu.Lock()
	peers := make([]*peerSession, 0, len(t.peers))
	for _, s := range t.peers {
		peers = append(peers, s)
	}
	t.mu.Unlock()

	endgame := t.endgame()

	for _, s := range peers {
		if s.conn.Policy().PeerChoked || s.bitfield == nil {
			continue
		}
		for {
			free := t.requests.FreeCapacity(s.conn.PeerID())
			if free <= 0 {
				break
			}
			index, ok := t.picker.PopClosestForBitfield(s.has)
			if !ok {
				break
			}
			pieceLen, err := t.info.PieceLen(index)
			if err != nil {
				t.picker.PutBack(index)
				break
			}
			blocks := blocksForPiece(index, pieceLen)
			if len(blocks) > free {
				t.picker.PutBack(index)
				break
			}
			reserved := t.requests.Reserve(s.conn.PeerID(), blocks)
			for _, b := range reserved {
				length := blockLength(pieceLen, b.Begin)
				err := s.conn.Send(peer.Message{
					ID:     peer.MsgRequest,
					Index:  uint32(b.Piece),
					Begin:  uint32(b.Begin),
					Length: uint32(length),
				})
				if err != nil {
					t.log.Debugw("send request failed", "peer", s.conn.PeerID(), "error", err)
				}
			}
		}
		if endgame {
			t.assignEndgameDuplicates(s)
		}
	}
}

// endgame reports whether the fraction of pieces still outstanding has
// dropped to config.EndgameThreshold or below, the point past which spec
// §4.6 allows the same block to be requested from more than one peer at
// once so one slow holder can't stall the final pieces.
func (t *Torrent) endgame() bool {
	n := t.info.NumPieces()
	if n == 0 {
		return false
	}
	t.mu.Lock()
	have := t.bitfield.CountOnes()
	t.mu.Unlock()
	remaining := n - int(have)
	return float64(remaining)/float64(n) <= t.config.EndgameThreshold
}

// assignEndgameDuplicates fills s's remaining pipeline capacity with
// duplicate requests for blocks s also holds that are already pending from
// another peer. The first delivery wins; handlePeerPiece cancels the rest.
func (t *Torrent) assignEndgameDuplicates(s *peerSession) {
	free := t.requests.FreeCapacity(s.conn.PeerID())
	if free <= 0 {
		return
	}
	var candidates []piecerequest.Block
	for _, b := range t.requests.PendingBlocks() {
		if s.has(b.Piece) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return
	}
	reserved := t.requests.ReserveEndgame(s.conn.PeerID(), candidates)
	for _, b := range reserved {
		pieceLen, err := t.info.PieceLen(b.Piece)
		if err != nil {
			continue
		}
		length := blockLength(pieceLen, b.Begin)
		err = s.conn.Send(peer.Message{
			ID:     peer.MsgRequest,
			Index:  uint32(b.Piece),
			Begin:  uint32(b.Begin),
			Length: uint32(length),
		})
		if err != nil {
			t.log.Debugw("send endgame request failed", "peer", s.conn.PeerID(), "error", err)
		}
	}
}

func blocksForPiece(index int, pieceLen int64) []piecerequest.Block {
	n := int((pieceLen + storage.BlockSize - 1) / storage.BlockSize)
	blocks := make([]piecerequest.Block, n)
	for i := 0; i < n; i++ {
		blocks[i] = piecerequest.Block{Piece: index, Begin: i * storage.BlockSize}
	}
	return blocks
}

func blockLength(pieceLen int64, begin int) int {
	remaining := pieceLen - int64(begin)
	if remaining > storage.BlockSize {
		return storage.BlockSize
	}
	return int(remaining)
}
