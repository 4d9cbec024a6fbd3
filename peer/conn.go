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

package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/utils/bandwidth"
)

// Events notifies a Conn's owner of lifecycle changes.
type Events interface {
	ConnClosed(*Conn)
}

// Conn is one peer connection's actor: it owns the socket, runs the
// handshake, and drives read/write loops over channels so the scheduler
// never touches net.Conn directly. Grounded on
// lib/torrent/scheduler/conn/conn.go's actor shape; the wire format itself
// is rewritten against the real BEP-3/BEP-10 byte layout.
type Conn struct {
	peerID         core.PeerID
	localPeerID    core.PeerID
	infoHash       core.InfoHash
	createdAt      time.Time
	extensions     bool
	remoteExtended ExtendedHandshake

	nc     net.Conn
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	openedByRemote bool

	bandwidth bwLimiter

	mu     sync.Mutex
	policy ChokePolicy

	download *speedMeter
	upload   *speedMeter

	events Events

	startOnce sync.Once
	sender    chan Message
	receiver  chan Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// bwLimiter is the subset of utils/bandwidth.Limiter's API Conn needs,
// letting tests substitute a no-op limiter.
type bwLimiter interface {
	ReserveEgress(n int64) error
	ReserveIngress(n int64) error
}

// noopLimiter never delays or rejects a reservation.
type noopLimiter struct{}

func (noopLimiter) ReserveEgress(int64) error  { return nil }
func (noopLimiter) ReserveIngress(int64) error { return nil }

func handshakeExchange(nc net.Conn, local Handshake, timeout time.Duration) (Handshake, error) {
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("set deadline: %s", err)
	}
	defer nc.SetDeadline(time.Time{})

	errCh := make(chan error, 1)
	go func() { errCh <- WriteHandshake(nc, local) }()

	remote, readErr := ReadHandshake(nc)
	if writeErr := <-errCh; writeErr != nil {
		return Handshake{}, fmt.Errorf("write handshake: %s", writeErr)
	}
	if readErr != nil {
		return Handshake{}, fmt.Errorf("read handshake: %s", readErr)
	}
	return remote, nil
}

func extendedHandshakeExchange(nc net.Conn, timeout time.Duration, metadataSize int64) (ExtendedHandshake, error) {
	local := NewExtendedHandshake(metadataSize)
	payload, err := local.Marshal()
	if err != nil {
		return ExtendedHandshake{}, fmt.Errorf("marshal extended handshake: %s", err)
	}

	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return ExtendedHandshake{}, fmt.Errorf("set deadline: %s", err)
	}
	defer nc.SetDeadline(time.Time{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteMessage(nc, Message{ID: MsgExtended, ExtendedID: ExtendedHandshakeID, ExtendedPayload: payload})
	}()

	msg, readErr := ReadMessage(nc)
	if writeErr := <-errCh; writeErr != nil {
		return ExtendedHandshake{}, fmt.Errorf("write extended handshake: %s", writeErr)
	}
	if readErr != nil {
		return ExtendedHandshake{}, fmt.Errorf("read extended handshake: %s", readErr)
	}
	if msg.ID != MsgExtended || msg.ExtendedID != ExtendedHandshakeID {
		return ExtendedHandshake{}, errors.New("expected extended handshake message")
	}
	return UnmarshalExtendedHandshake(msg.ExtendedPayload)
}

// New establishes a Conn over nc: exchanges the base handshake, verifying
// the remote's info hash against infoHash, then (if both sides advertise
// BEP-10 support) exchanges the extended handshake. openedByRemote records
// which side initiated the underlying TCP connection.
func New(
	nc net.Conn,
	config Config,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()

	local := NewHandshake(infoHash, localPeerID, true)
	remote, err := handshakeExchange(nc, local, config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("handshake: %s", err)
	}
	if remote.InfoHash != infoHash {
		return nil, errors.New("unexpected info hash in handshake")
	}

	extensions := local.SupportsExtensions() && remote.SupportsExtensions()
	var remoteExtended ExtendedHandshake
	if extensions {
		remoteExtended, err = extendedHandshakeExchange(nc, config.HandshakeTimeout, config.MetadataSize)
		if err != nil {
			return nil, fmt.Errorf("extended handshake: %s", err)
		}
	}

	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}

	return newConn(nc, config, localPeerID, remote.PeerID, infoHash, openedByRemote, extensions, remoteExtended, stats, clk, events, logger), nil
}

// Accept establishes a Conn over an incoming connection whose info hash is
// not yet known: it reads the remote's handshake first, asks resolve to
// find the matching local torrent (returning ok=false if none is active,
// e.g. listener's info-hash routing table has no entry), then replies with
// our own handshake and proceeds exactly as New does.
func Accept(
	nc net.Conn,
	config Config,
	localPeerID core.PeerID,
	resolve func(core.InfoHash) (ok bool),
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()

	if err := nc.SetDeadline(time.Now().Add(config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	remote, err := ReadHandshake(nc)
	if err != nil {
		nc.SetDeadline(time.Time{})
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if !resolve(remote.InfoHash) {
		nc.SetDeadline(time.Time{})
		return nil, fmt.Errorf("no active torrent for info hash %s", remote.InfoHash)
	}

	local := NewHandshake(remote.InfoHash, localPeerID, true)
	if err := WriteHandshake(nc, local); err != nil {
		nc.SetDeadline(time.Time{})
		return nil, fmt.Errorf("write handshake: %s", err)
	}

	extensions := local.SupportsExtensions() && remote.SupportsExtensions()
	var remoteExtended ExtendedHandshake
	if extensions {
		remoteExtended, err = extendedHandshakeExchange(nc, config.HandshakeTimeout, config.MetadataSize)
		if err != nil {
			nc.SetDeadline(time.Time{})
			return nil, fmt.Errorf("extended handshake: %s", err)
		}
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}

	return newConn(nc, config, localPeerID, remote.PeerID, remote.InfoHash, true, extensions, remoteExtended, stats, clk, events, logger), nil
}

func newConn(
	nc net.Conn,
	config Config,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	extensions bool,
	remoteExtended ExtendedHandshake,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	logger *zap.SugaredLogger,
) *Conn {
	if stats == nil {
		stats = tally.NoopScope
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var limiter bwLimiter = noopLimiter{}
	if !config.Bandwidth.Disable {
		limiter = bandwidth.NewLimiter(config.Bandwidth, logger)
	}

	return &Conn{
		peerID:         remotePeerID,
		localPeerID:    localPeerID,
		infoHash:       infoHash,
		createdAt:      clk.Now(),
		extensions:     extensions,
		remoteExtended: remoteExtended,
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"module": "peer"}),
		logger:         logger,
		openedByRemote: openedByRemote,
		bandwidth:      limiter,
		policy:         NewChokePolicy(),
		download:       newSpeedMeter(clk, config.SpeedWindow),
		upload:         newSpeedMeter(clk, config.SpeedWindow),
		events:         events,
		sender:         make(chan Message, config.SenderBufferSize),
		receiver:       make(chan Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
}

// Start begins the read/write loops. Calling Start more than once is a
// no-op.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this connection carries.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// RemoteAddr returns the underlying socket's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// SupportsExtensions reports whether both sides negotiated BEP-10 support.
func (c *Conn) SupportsExtensions() bool { return c.extensions }

// RemoteExtendedHandshake returns the remote's BEP-10 extended handshake,
// valid only when SupportsExtensions is true.
func (c *Conn) RemoteExtendedHandshake() ExtendedHandshake { return c.remoteExtended }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)", c.peerID, c.infoHash, c.openedByRemote)
}

// Policy returns a snapshot of the four-way choke/interest state.
func (c *Conn) Policy() ChokePolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// SetAmChoking sends choke/unchoke if it changes our side's state.
func (c *Conn) SetAmChoking(choked bool) error {
	c.mu.Lock()
	changed := c.policy.AmChoked != choked
	c.policy.AmChoked = choked
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := MsgUnchoke
	if choked {
		id = MsgChoke
	}
	return c.Send(Message{ID: id})
}

// SetAmInterested sends interested/not-interested if it changes our side's
// state, per spec §4.5: interested as soon as the remote bitfield has a
// piece we need, not-interested once that intersection empties.
func (c *Conn) SetAmInterested(interested bool) error {
	c.mu.Lock()
	changed := c.policy.AmInterested != interested
	c.policy.AmInterested = interested
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := MsgNotInterested
	if interested {
		id = MsgInterested
	}
	return c.Send(Message{ID: id})
}

// DownloadRate and UploadRate report the rolling per-peer transfer speed
// over config.SpeedWindow, for the scheduler to report upward.
func (c *Conn) DownloadRate() float64 { return c.download.BytesPerSec() }
func (c *Conn) UploadRate() float64   { return c.upload.BytesPerSec() }

// Send enqueues msg for the write loop. It returns an error instead of
// blocking if the connection is closed or the send buffer is full.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Tagged(map[string]string{"dropped_message_id": fmt.Sprintf("%d", msg.ID)}).
			Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// Receiver returns the channel of inbound messages, closed when the
// connection shuts down.
func (c *Conn) Receiver() <-chan Message {
	return c.receiver
}

// Close begins the shutdown sequence. Safe to call more than once.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := ReadMessage(c.nc)
			if err != nil {
				c.logger.Infow("read loop exiting", "peer", c.peerID, "error", err)
				return
			}
			if msg.ID == MsgPiece {
				if err := c.bandwidth.ReserveIngress(int64(len(msg.Block))); err != nil {
					c.logger.Errorw("ingress bandwidth reservation failed", "peer", c.peerID, "error", err)
					return
				}
				c.download.Add(int64(len(msg.Block)))
			}
			c.trackIncomingPolicy(msg)
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) trackIncomingPolicy(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.ID {
	case MsgChoke:
		c.policy.PeerChoked = true
	case MsgUnchoke:
		c.policy.PeerChoked = false
	case MsgInterested:
		c.policy.PeerInterested = true
	case MsgNotInterested:
		c.policy.PeerInterested = false
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if msg.ID == MsgPiece {
				if err := c.bandwidth.ReserveEgress(int64(len(msg.Block))); err != nil {
					c.logger.Errorw("egress bandwidth reservation failed", "peer", c.peerID, "error", err)
					return
				}
			}
			if err := WriteMessage(c.nc, msg); err != nil {
				c.logger.Infow("write loop exiting", "peer", c.peerID, "error", err)
				return
			}
			if msg.ID == MsgPiece {
				c.upload.Add(int64(len(msg.Block)))
			}
		}
	}
}
