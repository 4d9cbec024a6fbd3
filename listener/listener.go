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

// Package listener accepts inbound BitTorrent peer connections on one TCP
// port shared by every torrent in the process: it reads each connection's
// handshake far enough to learn the info hash, routes it to the matching
// torrent via a Registry, and hands off the fully-handshaken peer.Conn.
// Grounded on lib/torrent/scheduler/scheduler.go's listenLoop (net.Listen
// plus a goroutine-per-accept handshake), adapted to BitTorrent's
// info-hash-first handshake instead of kraken's origin-announced identity.
package listener

import (
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/peer"
)

// noopEvents discards Conn lifecycle notifications. New uses it when given
// nil events; the client passes its own connTracker instead.
type noopEvents struct{}

func (noopEvents) ConnClosed(*peer.Conn) {}

// Listener accepts inbound connections for every torrent registered with
// its Registry.
type Listener struct {
	ln         net.Listener
	localPeer  core.PeerID
	peerConfig peer.Config
	registry   *Registry
	events     peer.Events
	stats      tally.Scope
	clk        clock.Clock
	log        *zap.SugaredLogger

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New binds a TCP listener, scanning upward from config.StartPort if it is
// already taken, and returns a Listener routing accepted connections
// through registry. events receives every accepted Conn's lifecycle
// notifications (nil defaults to a no-op, matching peer.New/Accept's own
// convention); the client façade passes its own Events implementation so it
// can release its session-wide peer budget when an inbound Conn closes.
func New(
	config Config,
	localPeer core.PeerID,
	peerConfig peer.Config,
	registry *Registry,
	events peer.Events,
	stats tally.Scope,
	clk clock.Clock,
	log *zap.SugaredLogger,
) (*Listener, error) {
	config = config.applyDefaults()
	if events == nil {
		events = noopEvents{}
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ln, port, err := bindPort(config.StartPort, config.MaxPortScan)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		ln:         ln,
		localPeer:  localPeer,
		peerConfig: peerConfig,
		registry:   registry,
		events:     events,
		stats:      stats.Tagged(map[string]string{"module": "listener"}),
		clk:        clk,
		log:        log.With("component", "listener", "port", port),
		done:       make(chan struct{}),
	}
	return l, nil
}

// bindPort tries net.Listen on start, start+1, ... up to maxScan attempts,
// returning the first port that succeeds.
func bindPort(start, maxScan int) (net.Listener, int, error) {
	var lastErr error
	for port := start; port < start+maxScan; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("listener: no free port in [%d, %d): %w", start, start+maxScan, lastErr)
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Start begins accepting connections in the background. Calling Start more
// than once is a no-op.
func (l *Listener) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.acceptLoop()
	})
}

// Close stops accepting new connections. In-flight handshakes are allowed
// to finish or time out on their own.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	l.log.Infow("accepting inbound peer connections")
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.log.Infow("accept failed, exiting listen loop", "error", err)
				return
			}
		}
		l.stats.Counter("accepted").Inc(1)
		go l.handshake(nc)
	}
}

func (l *Listener) handshake(nc net.Conn) {
	c, err := peer.Accept(
		nc,
		l.peerConfig,
		l.localPeer,
		l.registry.resolve,
		l.stats,
		l.clk,
		l.events,
		l.log,
	)
	if err != nil {
		l.log.Debugw("inbound handshake failed", "remote", nc.RemoteAddr(), "error", err)
		l.stats.Counter("handshake_failure").Inc(1)
		nc.Close()
		return
	}

	t, ok := l.registry.Lookup(c.InfoHash())
	if !ok {
		// The torrent finished its handshake window and was removed
		// between resolve's existence check and now; drop the peer.
		l.log.Debugw("no torrent for info hash after handshake", "info_hash", c.InfoHash())
		c.Close()
		return
	}
	if err := t.AddConn(c); err != nil {
		l.log.Debugw("torrent rejected inbound conn", "info_hash", c.InfoHash(), "error", err)
		c.Close()
		return
	}
	l.stats.Counter("routed").Inc(1)
}
