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

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dog4ik/media-server-sub002/bencode"
	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/peer"
)

func sha1Sum(b []byte) []byte {
	h := sha1.Sum(b)
	return h[:]
}

// noopDeadline makes a net.Pipe connection accept SetDeadline calls as
// no-ops, matching peer's own test fixture idiom (net.Pipe does not
// implement real deadlines).
type noopDeadline struct {
	net.Conn
}

func (noopDeadline) SetDeadline(time.Time) error      { return nil }
func (noopDeadline) SetReadDeadline(time.Time) error  { return nil }
func (noopDeadline) SetWriteDeadline(time.Time) error { return nil }

type connResult struct {
	c   *peer.Conn
	err error
}

// metadataPipeFixture connects a magnet-link side (no metadata yet) to a
// seeder side that already holds infoBytes, both past the extended
// handshake, ready for a ut_metadata exchange.
func metadataPipeFixture(t *testing.T, infoHash core.InfoHash, infoBytes []byte) (leecher, seeder *peer.Conn, cleanup func()) {
	t.Helper()

	nc1, nc2 := net.Pipe()
	leecherID, err := core.RandomPeerID()
	require.NoError(t, err)
	seederID, err := core.RandomPeerID()
	require.NoError(t, err)

	leecherCh := make(chan connResult, 1)
	go func() {
		c, err := peer.New(noopDeadline{nc1}, peer.Config{}, leecherID, infoHash, false, nil, nil, noopClientEvents{}, nil)
		leecherCh <- connResult{c, err}
	}()

	seederCh := make(chan connResult, 1)
	go func() {
		cfg := peer.Config{MetadataSize: int64(len(infoBytes))}
		c, err := peer.New(noopDeadline{nc2}, cfg, seederID, infoHash, true, nil, nil, noopClientEvents{}, nil)
		seederCh <- connResult{c, err}
	}()

	lr := <-leecherCh
	sr := <-seederCh
	require.NoError(t, lr.err)
	require.NoError(t, sr.err)

	lr.c.Start()
	sr.c.Start()

	return lr.c, sr.c, func() {
		lr.c.Close()
		sr.c.Close()
		nc1.Close()
		nc2.Close()
	}
}

type noopClientEvents struct{}

func (noopClientEvents) ConnClosed(*peer.Conn) {}

// serveMetadataRequests answers every ut_metadata request arriving on
// conn's receiver with the matching slice of infoBytes, until stop fires.
func serveMetadataRequests(conn *peer.Conn, infoBytes []byte, stop <-chan struct{}) {
	extID, _ := conn.RemoteExtendedHandshake().MetadataExtensionID()
	for {
		select {
		case msg, ok := <-conn.Receiver():
			if !ok {
				return
			}
			if msg.ID != peer.MsgExtended {
				continue
			}
			var req utMetadataMessage
			if err := bencode.Unmarshal(msg.ExtendedPayload, &req); err != nil {
				continue
			}
			start := req.Piece * metadataBlockSize
			if start >= len(infoBytes) {
				continue
			}
			end := start + metadataBlockSize
			if end > len(infoBytes) {
				end = len(infoBytes)
			}
			header, _ := bencode.Marshal(utMetadataMessage{
				MsgType:   utMetadataData,
				Piece:     req.Piece,
				TotalSize: len(infoBytes),
			})
			payload := append(header, infoBytes[start:end]...)
			conn.Send(peer.Message{ID: peer.MsgExtended, ExtendedID: extID, ExtendedPayload: payload})
		case <-stop:
			return
		}
	}
}

func TestFetchMetadataReassemblesAcrossMultiplePieces(t *testing.T) {
	require := require.New(t)

	// 1000 piece hashes (20 bytes each) pushes the bencoded Info dict past
	// one 16 KiB ut_metadata block, exercising multi-piece reassembly.
	const numPieces = 1000
	const pieceLength = 16 * 1024

	info := core.Info{
		PieceLength: pieceLength,
		Pieces:      make([]byte, numPieces*20),
		Name:        "fixture",
		Length:      int64(numPieces) * pieceLength,
	}

	infoBytes, err := bencode.Marshal(info)
	require.NoError(err)
	require.Greater(len(infoBytes), metadataBlockSize)

	infoHash := core.NewInfoHashFromBytes(sha1Sum(infoBytes))

	leecher, seeder, cleanup := metadataPipeFixture(t, infoHash, infoBytes)
	defer cleanup()

	stop := make(chan struct{})
	go serveMetadataRequests(seeder, infoBytes, stop)
	defer close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := fetchMetadata(ctx, leecher, infoHash)
	require.NoError(err)
	require.Equal(info.Name, got.Name)
	require.Equal(info.Length, got.Length)
}

func TestSplitBencodeDictSeparatesHeaderFromRawPayload(t *testing.T) {
	require := require.New(t)

	header, err := bencode.Marshal(utMetadataMessage{MsgType: utMetadataData, Piece: 2, TotalSize: 100})
	require.NoError(err)
	raw := append([]byte{}, header...)
	raw = append(raw, []byte("rawbytesfollow")...)

	dict, rest, err := splitBencodeDict(raw)
	require.NoError(err)
	require.Equal(header, dict)
	require.Equal([]byte("rawbytesfollow"), rest)
}

func TestSplitBencodeDictRejectsNonDict(t *testing.T) {
	_, _, err := splitBencodeDict([]byte("5:hello"))
	require.Error(t, err)
}
