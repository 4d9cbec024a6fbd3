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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnHandshakeEstablishesPeerIdentity(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup, err := pipeFixture()
	require.NoError(err)
	defer cleanup()

	require.Equal(remote.localPeerID, local.PeerID())
	require.Equal(local.localPeerID, remote.PeerID())
	require.Equal(local.InfoHash(), remote.InfoHash())
}

func TestConnSendReceiveRoundTrip(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup, err := pipeFixture()
	require.NoError(err)
	defer cleanup()

	require.NoError(local.Send(Message{ID: MsgHave, Index: 7}))

	msg := <-remote.Receiver()
	require.Equal(MsgHave, msg.ID)
	require.Equal(uint32(7), msg.Index)
}

func TestConnSetAmChokingSendsOnChange(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup, err := pipeFixture()
	require.NoError(err)
	defer cleanup()

	require.True(local.Policy().AmChoked)

	require.NoError(local.SetAmChoking(true))
	select {
	case <-remote.Receiver():
		t.Fatal("expected no message: choke state unchanged")
	default:
	}

	require.NoError(local.SetAmChoking(false))
	msg := <-remote.Receiver()
	require.Equal(MsgUnchoke, msg.ID)
	require.False(local.Policy().AmChoked)
}

func TestConnTracksIncomingChokePolicy(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup, err := pipeFixture()
	require.NoError(err)
	defer cleanup()

	require.NoError(local.SetAmInterested(true))
	<-remote.Receiver()

	require.True(remote.Policy().PeerInterested)
}

func TestConnClose(t *testing.T) {
	require := require.New(t)

	local, _, cleanup, err := pipeFixture()
	require.NoError(err)
	defer cleanup()

	require.False(local.IsClosed())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local.Close()
		}()
	}
	wg.Wait()

	require.True(local.IsClosed())
}

func TestConnReceiverClosesAfterRemoteClose(t *testing.T) {
	require := require.New(t)

	local, remote, cleanup, err := pipeFixture()
	require.NoError(err)
	defer cleanup()

	remote.Close()

	_, ok := <-local.Receiver()
	require.False(ok)
}
