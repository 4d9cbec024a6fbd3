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
	"errors"
	"fmt"
	"time"

	"github.com/dog4ik/media-server-sub002/bencode"
	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/peer"
)

// metadataBlockSize is BEP-9's fixed piece size for the Info dict
// transfer, independent of the torrent's own piece length.
const metadataBlockSize = 16 * 1024

// ut_metadata message types, per BEP-9.
const (
	utMetadataRequest = 0
	utMetadataData    = 1
	utMetadataReject  = 2
)

type utMetadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// fetchMetadata resolves a magnet link's Info dict from conn via BEP-9
// ut_metadata, verifying the reassembled bytes hash to infoHash before
// decoding them. conn must already have completed the extended handshake
// and advertise ut_metadata support with a known size.
func fetchMetadata(ctx context.Context, conn *peer.Conn, infoHash core.InfoHash) (*core.Info, error) {
	remote := conn.RemoteExtendedHandshake()
	if !remote.SupportsMetadata() {
		return nil, errors.New("client: peer does not support ut_metadata")
	}
	extID, ok := remote.MetadataExtensionID()
	if !ok {
		return nil, errors.New("client: peer did not advertise a ut_metadata id")
	}
	if remote.MetadataSize <= 0 {
		return nil, errors.New("client: peer did not advertise metadata_size")
	}

	size := int(remote.MetadataSize)
	numPieces := (size + metadataBlockSize - 1) / metadataBlockSize
	blocks := make([][]byte, numPieces)
	var received int

	for i := 0; i < numPieces; i++ {
		reqPayload, err := bencode.Marshal(utMetadataMessage{MsgType: utMetadataRequest, Piece: i})
		if err != nil {
			return nil, fmt.Errorf("marshal ut_metadata request: %s", err)
		}
		if err := conn.Send(peer.Message{ID: peer.MsgExtended, ExtendedID: extID, ExtendedPayload: reqPayload}); err != nil {
			return nil, fmt.Errorf("send ut_metadata request: %s", err)
		}

		block, err := awaitMetadataPiece(ctx, conn, i)
		if err != nil {
			return nil, err
		}
		blocks[i] = block
		received += len(block)
	}

	raw := make([]byte, 0, received)
	for _, b := range blocks {
		raw = append(raw, b...)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("client: reassembled metadata is %d bytes, expected %d", len(raw), size)
	}
	if sha1.Sum(raw) != infoHash {
		return nil, errors.New("client: reassembled metadata does not match info hash")
	}

	var info core.Info
	if err := bencode.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode metadata info dict: %s", err)
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata info dict: %s", err)
	}
	return &info, nil
}

// awaitMetadataPiece waits for the ut_metadata response to piece from
// conn's receiver, ignoring unrelated extended messages (e.g. another
// in-flight extension) until a matching data or reject arrives.
func awaitMetadataPiece(ctx context.Context, conn *peer.Conn, piece int) ([]byte, error) {
	for {
		select {
		case msg, ok := <-conn.Receiver():
			if !ok {
				return nil, errors.New("client: connection closed while fetching metadata")
			}
			if msg.ID != peer.MsgExtended {
				continue
			}
			header, rest, err := splitBencodeDict(msg.ExtendedPayload)
			if err != nil {
				continue
			}
			var m utMetadataMessage
			if err := bencode.Unmarshal(header, &m); err != nil {
				continue
			}
			if m.Piece != piece {
				continue
			}
			switch m.MsgType {
			case utMetadataData:
				return rest, nil
			case utMetadataReject:
				return nil, fmt.Errorf("client: peer rejected ut_metadata piece %d", piece)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return nil, fmt.Errorf("client: timed out waiting for ut_metadata piece %d", piece)
		}
	}
}

// splitBencodeDict scans a single top-level bencoded dict ("d...e") off
// the front of data and returns its raw bytes alongside whatever trailing
// bytes follow (the ut_metadata data message appends the raw metadata
// piece immediately after its dict header, outside the bencode grammar).
// bencode.Decoder buffers ahead internally and so cannot report how many
// bytes a Decode call actually consumed; this performs the minimal
// structural scan needed to find that boundary without reimplementing
// decoding.
func splitBencodeDict(data []byte) (dict, rest []byte, err error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, nil, errors.New("client: expected a bencoded dict")
	}
	end, err := scanBencodeValue(data, 0)
	if err != nil {
		return nil, nil, err
	}
	return data[:end], data[end:], nil
}

// scanBencodeValue returns the offset one past the end of the single
// bencode value starting at data[start].
func scanBencodeValue(data []byte, start int) (int, error) {
	if start >= len(data) {
		return 0, errors.New("client: truncated bencode value")
	}
	switch {
	case data[start] == 'i':
		end := indexByte(data, start+1, 'e')
		if end < 0 {
			return 0, errors.New("client: unterminated bencode integer")
		}
		return end + 1, nil
	case data[start] == 'd' || data[start] == 'l':
		i := start + 1
		for {
			if i >= len(data) {
				return 0, errors.New("client: unterminated bencode container")
			}
			if data[i] == 'e' {
				return i + 1, nil
			}
			next, err := scanBencodeValue(data, i)
			if err != nil {
				return 0, err
			}
			i = next
		}
	case data[start] >= '0' && data[start] <= '9':
		colon := indexByte(data, start, ':')
		if colon < 0 {
			return 0, errors.New("client: malformed bencode string length")
		}
		length := 0
		for _, c := range data[start:colon] {
			length = length*10 + int(c-'0')
		}
		end := colon + 1 + length
		if end > len(data) {
			return 0, errors.New("client: truncated bencode string")
		}
		return end, nil
	default:
		return 0, fmt.Errorf("client: unrecognized bencode type byte %q", data[start])
	}
}

func indexByte(data []byte, from int, b byte) int {
	for i := from; i < len(data); i++ {
		if data[i] == b {
			return i
		}
	}
	return -1
}
