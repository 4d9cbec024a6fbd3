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

package listener

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/peer"
)

// fakeHandle records every Conn handed to it via AddConn.
type fakeHandle struct {
	added chan *peer.Conn
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{added: make(chan *peer.Conn, 1)}
}

func (h *fakeHandle) AddConn(c *peer.Conn) error {
	h.added <- c
	return nil
}

func dialAndHandshake(t *testing.T, addr net.Addr, infoHash core.InfoHash, peerID core.PeerID) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	require.NoError(t, peer.WriteHandshake(nc, peer.NewHandshake(infoHash, peerID, false)))
	return nc
}

func TestListenerRoutesToRegisteredTorrent(t *testing.T) {
	require := require.New(t)

	infoHash, err := core.NewInfoHashFromHex("000000000000000000000000000000000000000a")
	require.NoError(err)
	remotePeerID, err := core.RandomPeerID()
	require.NoError(err)
	localPeerID, err := core.RandomPeerID()
	require.NoError(err)

	registry := NewRegistry()
	handle := newFakeHandle()
	registry.Register(infoHash, handle)

	l, err := New(Config{StartPort: 47881, MaxPortScan: 20}, localPeerID, peer.Config{}, registry, nil, nil, nil, nil)
	require.NoError(err)
	l.Start()
	defer l.Close()

	nc := dialAndHandshake(t, l.Addr(), infoHash, remotePeerID)
	defer nc.Close()

	reply, err := peer.ReadHandshake(nc)
	require.NoError(err)
	require.Equal(infoHash, reply.InfoHash)
	require.Equal(localPeerID, reply.PeerID)

	select {
	case c := <-handle.added:
		require.Equal(remotePeerID, c.PeerID())
		require.Equal(infoHash, c.InfoHash())
	case <-time.After(2 * time.Second):
		t.Fatal("torrent never received the inbound conn")
	}
}

func TestListenerDropsUnknownInfoHash(t *testing.T) {
	require := require.New(t)

	unknown, err := core.NewInfoHashFromHex("0000000000000000000000000000000000000bad")
	require.NoError(err)
	remotePeerID, err := core.RandomPeerID()
	require.NoError(err)
	localPeerID, err := core.RandomPeerID()
	require.NoError(err)

	registry := NewRegistry()

	l, err := New(Config{StartPort: 47891, MaxPortScan: 20}, localPeerID, peer.Config{}, registry, nil, nil, nil, nil)
	require.NoError(err)
	l.Start()
	defer l.Close()

	nc := dialAndHandshake(t, l.Addr(), unknown, remotePeerID)
	defer nc.Close()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = nc.Read(buf)
	require.Error(err)
}

func TestBindPortScansUpward(t *testing.T) {
	require := require.New(t)

	blocker, err := net.Listen("tcp", ":47901")
	require.NoError(err)
	defer blocker.Close()

	ln, port, err := bindPort(47901, 5)
	require.NoError(err)
	defer ln.Close()
	require.Equal(47902, port)
}
