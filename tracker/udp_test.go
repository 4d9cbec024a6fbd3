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

package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers every connect and announce request it receives,
// mirroring BEP-15's minimal happy path.
func fakeUDPTracker(t *testing.T) *url.URL {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]
			action := binary.BigEndian.Uint32(pkt[8:12])
			txnID := binary.BigEndian.Uint32(pkt[12:16])

			switch action {
			case udpActionConnect:
				var resp [16]byte
				binary.BigEndian.PutUint32(resp[0:4], udpActionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txnID)
				binary.BigEndian.PutUint64(resp[8:16], 0xdeadbeef)
				pc.WriteTo(resp[:], addr)
			case udpActionAnnounce:
				var resp [26]byte // 20-byte header + one compact peer
				binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txnID)
				binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:16], 2)   // leechers
				binary.BigEndian.PutUint32(resp[16:20], 5)   // seeders
				copy(resp[20:24], []byte{10, 0, 0, 1})
				binary.BigEndian.PutUint16(resp[24:26], 6881)
				pc.WriteTo(resp[:], addr)
			}
		}
	}()

	t.Cleanup(func() { pc.Close() })

	u, err := url.Parse("udp://" + pc.LocalAddr().String())
	require.NoError(t, err)
	return u
}

func TestUDPClientConnectAndAnnounce(t *testing.T) {
	require := require.New(t)

	u := fakeUDPTracker(t)
	client, err := NewUDPClient(u, clock.NewMock(), nil)
	require.NoError(err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Announce(ctx, testParams(t))
	require.NoError(err)
	require.Equal(1800*time.Second, resp.Interval)
	require.EqualValues(5, resp.Seeders)
	require.EqualValues(2, resp.Leechers)
	require.Len(resp.Peers, 1)
	require.Equal("10.0.0.1", resp.Peers[0].Addr().String())
	require.EqualValues(6881, resp.Peers[0].Port())
	require.NotZero(client.connID)
}

func TestUDPEventCodeMatchesBEP15Ordinals(t *testing.T) {
	require := require.New(t)

	require.EqualValues(0, udpEventCode(EventNone))
	require.EqualValues(1, udpEventCode(EventCompleted))
	require.EqualValues(2, udpEventCode(EventStarted))
	require.EqualValues(3, udpEventCode(EventStopped))
}

func TestUDPClientReusesConnectionIDWithinTTL(t *testing.T) {
	require := require.New(t)

	u := fakeUDPTracker(t)
	mock := clock.NewMock()
	client, err := NewUDPClient(u, mock, nil)
	require.NoError(err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Announce(ctx, testParams(t))
	require.NoError(err)
	firstConnID := client.connID

	_, err = client.Announce(ctx, testParams(t))
	require.NoError(err)
	require.Equal(firstConnID, client.connID)
}
