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
	"net"
	"time"

	"github.com/dog4ik/media-server-sub002/core"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*Conn) {}

// noopDeadline wraps a net.Conn which does not support deadlines (e.g.
// net.Pipe) and makes it accept them as no-ops.
type noopDeadline struct {
	net.Conn
}

func (noopDeadline) SetDeadline(time.Time) error      { return nil }
func (noopDeadline) SetReadDeadline(time.Time) error  { return nil }
func (noopDeadline) SetWriteDeadline(time.Time) error { return nil }

// pipeFixture establishes a live local/remote Conn pair over net.Pipe,
// already past the handshake and running their read/write loops.
func pipeFixture() (local *Conn, remote *Conn, cleanup func(), err error) {
	nc1, nc2 := net.Pipe()

	infoHash, err := core.NewInfoHashFromHex("000000000000000000000000000000000000000a")
	if err != nil {
		nc1.Close()
		nc2.Close()
		return nil, nil, nil, err
	}
	localPeerID, err := core.RandomPeerID()
	if err != nil {
		nc1.Close()
		nc2.Close()
		return nil, nil, nil, err
	}
	remotePeerID, err := core.RandomPeerID()
	if err != nil {
		nc1.Close()
		nc2.Close()
		return nil, nil, nil, err
	}

	type result struct {
		c   *Conn
		err error
	}
	localCh := make(chan result, 1)
	go func() {
		c, err := New(noopDeadline{nc1}, Config{}, localPeerID, infoHash, false, nil, nil, noopEvents{}, nil)
		localCh <- result{c, err}
	}()

	remoteCh := make(chan result, 1)
	go func() {
		c, err := New(noopDeadline{nc2}, Config{}, remotePeerID, infoHash, true, nil, nil, noopEvents{}, nil)
		remoteCh <- result{c, err}
	}()

	lr := <-localCh
	rr := <-remoteCh
	cleanup = func() {
		nc1.Close()
		nc2.Close()
	}
	if lr.err != nil {
		cleanup()
		return nil, nil, nil, lr.err
	}
	if rr.err != nil {
		cleanup()
		return nil, nil, nil, rr.err
	}

	lr.c.Start()
	rr.c.Start()

	return lr.c, rr.c, cleanup, nil
}
