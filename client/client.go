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

// Package client is the top-level façade: it owns a process-wide session
// (inbound listener, session peer budget, ban list) and creates/resumes
// individual torrents against it. Grounded on lib/torrent/client.go's
// SchedulerClient, generalized from kraken's single-origin blob transfer
// to a full multi-tracker, multi-peer BitTorrent session.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dog4ik/media-server-sub002/bitfield"
	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/listener"
	"github.com/dog4ik/media-server-sub002/magnet"
	"github.com/dog4ik/media-server-sub002/peer"
	"github.com/dog4ik/media-server-sub002/scheduler"
	"github.com/dog4ik/media-server-sub002/seeder"
	"github.com/dog4ik/media-server-sub002/storage"
	"github.com/dog4ik/media-server-sub002/tracker"
	"github.com/dog4ik/media-server-sub002/verify"
)

// discardEvents is used for the short-lived connections FromMagnetLink
// opens purely to fetch an Info dict: they never pass through a Torrent's
// AddConn admission choke point, so they have nothing to release on close.
type discardEvents struct{}

func (discardEvents) ConnClosed(*peer.Conn) {}

// Client is a BitTorrent session: one inbound listener, one session-wide
// peer budget and ban list, and the set of torrents currently running
// against them.
type Client struct {
	config      Config
	localPeerID core.PeerID

	verifier *verify.Verifier
	registry *listener.Registry
	ln       *listener.Listener
	budget   *peerBudget
	bans     *banList
	conns    *connTracker

	stats tally.Scope
	clk   clock.Clock
	log   *zap.SugaredLogger

	torrentsMu sync.RWMutex
	torrents   map[core.InfoHash]*Torrent
}

// New starts a Client session: binds the inbound listener and spins up the
// shared hash-verification pool. localPeerID is generated randomly.
func New(config Config, stats tally.Scope, clk clock.Clock, log *zap.SugaredLogger) (*Client, error) {
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

	localPeerID, err := core.RandomPeerID()
	if err != nil {
		return nil, fmt.Errorf("generate local peer id: %s", err)
	}

	budget := newPeerBudget(config.MaxPeers)
	conns := newConnTracker(budget)
	registry := listener.NewRegistry()

	ln, err := listener.New(config.Listener, localPeerID, config.Scheduler.Conn, registry, conns, stats, clk, log)
	if err != nil {
		return nil, fmt.Errorf("start listener: %s", err)
	}
	ln.Start()

	return &Client{
		config:      config,
		localPeerID: localPeerID,
		verifier:    verify.New(config.VerifyWorkers, stats),
		registry:    registry,
		ln:          ln,
		budget:      budget,
		bans:        newBanList(),
		conns:       conns,
		stats:       stats,
		clk:         clk,
		log:         log,
		torrents:    make(map[core.InfoHash]*Torrent),
	}, nil
}

// LocalPeerID returns the session's own peer id, advertised in every
// handshake.
func (c *Client) LocalPeerID() core.PeerID { return c.localPeerID }

// BanPeer adds id to the session-scoped ban list (spec §7: malformed wire
// frames close and ban for the session).
func (c *Client) BanPeer(id core.PeerID) { c.bans.ban(id) }

// fullBitfield returns a bitfield with every one of n pieces set, the
// candidate Validate scans against: a piece survives only if its bytes are
// actually readable on disk and hash-match, so starting from "assume
// everything might be there" is always safe, whether or not anything
// actually is.
func fullBitfield(n int) *bitfield.Bitfield {
	bf := bitfield.New(uint64(n))
	for i := 0; i < n; i++ {
		bf.Add(uint64(i))
	}
	return bf
}

// Validate scans saveLocation against mi's declared pieces without
// creating a running torrent, mirroring what Download does internally on
// resume (spec §6: "on restart validate(params) is called").
func (c *Client) Validate(mi *core.MetaInfo, saveLocation string, filePriorities map[int]bool) (*bitfield.Bitfield, error) {
	engine, err := storage.New(&mi.Info, storage.Config{SaveLocation: saveLocation, CacheSize: c.config.Storage.CacheSize}, c.verifier, c.stats, c.log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %s", err)
	}
	defer engine.Close()

	params := storage.DownloadParams{
		Info:           mi.Info,
		Bitfield:       fullBitfield(mi.Info.NumPieces()),
		FilePriorities: filePriorities,
		SaveLocation:   saveLocation,
	}
	return engine.Validate(params)
}

// Download creates (or resumes) a torrent from mi, saving its files under
// saveLocation, and starts it downloading/seeding. filePriorities may be
// nil, enabling every file. consumer (may be nil) receives progress
// snapshots roughly once a second until the torrent is closed.
func (c *Client) Download(saveLocation string, mi *core.MetaInfo, filePriorities map[int]bool, consumer ProgressConsumer) (*Torrent, error) {
	c.torrentsMu.Lock()
	if _, exists := c.torrents[mi.InfoHash]; exists {
		c.torrentsMu.Unlock()
		return nil, fmt.Errorf("client: torrent %s already running", mi.InfoHash)
	}
	c.torrentsMu.Unlock()

	engine, err := storage.New(&mi.Info, storage.Config{SaveLocation: saveLocation, CacheSize: c.config.Storage.CacheSize}, c.verifier, c.stats, c.log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %s", err)
	}

	params := storage.DownloadParams{
		Info:           mi.Info,
		Bitfield:       fullBitfield(mi.Info.NumPieces()),
		Trackers:       mi.Trackers(),
		FilePriorities: filePriorities,
		SaveLocation:   saveLocation,
	}
	resumed, err := engine.Validate(params)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("validate resume state: %s", err)
	}
	params.Bitfield = resumed

	sched, err := scheduler.New(&mi.Info, mi.InfoHash, c.localPeerID, engine, params, c.config.Scheduler, c.stats, c.clk, c.log)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("create scheduler: %s", err)
	}

	responder := seeder.New(engine, c.stats, c.log)
	stream := seeder.NewRangeServer(&mi.Info, responder, c.log)

	var set *tracker.Set
	if mi.Announce != "" || len(mi.AnnounceList) > 0 {
		set, err = tracker.NewSet(mi.Announce, mi.AnnounceList, c.config.Tracker, c.clk, c.stats, c.log)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("create tracker set: %s", err)
		}
	}

	t := &Torrent{
		client:    c,
		info:      &mi.Info,
		infoHash:  mi.InfoHash,
		storage:   engine,
		sched:     sched,
		trackers:  set,
		responder: responder,
		stream:    stream,
		consumer:  consumer,
		dialed:    make(map[netip.Addr]struct{}),
		done:      make(chan struct{}),
	}

	c.torrentsMu.Lock()
	c.torrents[mi.InfoHash] = t
	c.torrentsMu.Unlock()

	t.Start()
	return t, nil
}

// FromMagnetLink resolves a magnet URI into a full MetaInfo by dialing
// peers returned by the link's trackers and exchanging ut_metadata (BEP-9)
// with each until one succeeds. Per spec §7, a metadata verify failure
// (reassembled bytes not hashing to the magnet's info-hash) is returned to
// the caller and no torrent is created.
func (c *Client) FromMagnetLink(ctx context.Context, link string) (*core.MetaInfo, error) {
	l, err := magnet.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("parse magnet link: %s", err)
	}
	if len(l.Trackers) == 0 {
		return nil, errors.New("client: magnet link has no trackers to discover peers from")
	}

	set, err := tracker.NewSet(l.Trackers[0], [][]string{l.Trackers}, c.config.Tracker, c.clk, c.stats, c.log)
	if err != nil {
		return nil, fmt.Errorf("create tracker set: %s", err)
	}
	defer set.Close()

	resp, err := set.Announce(ctx, tracker.AnnounceParams{
		InfoHash: l.InfoHash,
		PeerID:   c.localPeerID,
		Left:     1,
		Event:    tracker.EventStarted,
		NumWant:  c.config.Tracker.NumWant,
	})
	if err != nil {
		return nil, fmt.Errorf("announce for peers: %s", err)
	}
	if len(resp.Peers) == 0 {
		return nil, errors.New("client: tracker returned no peers to fetch metadata from")
	}

	var lastErr error
	for _, addr := range resp.Peers {
		info, err := c.tryFetchMetadataFrom(ctx, addr, l.InfoHash)
		if err != nil {
			lastErr = err
			continue
		}
		return core.NewMetaInfo(*info, l.Trackers[0], [][]string{l.Trackers})
	}
	return nil, fmt.Errorf("client: could not resolve metadata from any peer: %s", lastErr)
}

func (c *Client) tryFetchMetadataFrom(ctx context.Context, addr netip.AddrPort, infoHash core.InfoHash) (*core.Info, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	conn, err := peer.New(nc, peer.Config{}, c.localPeerID, infoHash, false, c.stats, c.clk, discardEvents{}, c.log)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.Start()

	return fetchMetadata(ctx, conn, infoHash)
}

func (c *Client) removeTorrent(infoHash core.InfoHash) {
	c.torrentsMu.Lock()
	delete(c.torrents, infoHash)
	c.torrentsMu.Unlock()
}

// Close tears down every running torrent, the inbound listener, and the
// shared verification pool.
func (c *Client) Close() error {
	c.torrentsMu.Lock()
	torrents := make([]*Torrent, 0, len(c.torrents))
	for _, t := range c.torrents {
		torrents = append(torrents, t)
	}
	c.torrents = make(map[core.InfoHash]*Torrent)
	c.torrentsMu.Unlock()

	for _, t := range torrents {
		t.Close()
	}
	c.verifier.Close()
	return c.ln.Close()
}
