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
	"fmt"
	"io"

	"github.com/dog4ik/media-server-sub002/core"
)

const protocolName = "BitTorrent protocol"

// extensionByteIndex/extensionBitMask locate the BEP-10 extension-protocol
// bit within the handshake's 8 reserved bytes: bit 20, counting from 0 at
// the LSB of the big-endian 64-bit reserved field, falls in byte 5
// (0-indexed from the first byte transmitted) at mask 0x10 -- the
// conventional placement used by every BEP-10-compliant client.
const extensionByteIndex = 5
const extensionBitMask = 0x10

// Handshake is the fixed 68-byte preamble exchanged before any framed
// message. New and Accept exchange it synchronously before a Conn exists;
// HandshakeState (state.go) names the phases but is not tracked by them.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
	Reserved [8]byte
}

// NewHandshake builds a Handshake, setting the extension-protocol bit iff
// extensions is true.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID, extensions bool) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	if extensions {
		h.Reserved[extensionByteIndex] |= extensionBitMask
	}
	return h
}

// SupportsExtensions reports whether the reserved bytes advertise BEP-10
// extension support.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByteIndex]&extensionBitMask != 0
}

// WriteHandshake writes h's wire bytes to w: pstrlen, pstr, reserved,
// info_hash, peer_id.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, 1+len(protocolName)+8+20+20)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a Handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return Handshake{}, fmt.Errorf("read pstrlen: %s", err)
	}
	if int(pstrlen[0]) != len(protocolName) {
		return Handshake{}, fmt.Errorf("unexpected pstrlen %d", pstrlen[0])
	}

	rest := make([]byte, int(pstrlen[0])+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, fmt.Errorf("read handshake body: %s", err)
	}

	pstr := string(rest[:len(protocolName)])
	if pstr != protocolName {
		return Handshake{}, fmt.Errorf("unexpected protocol string %q", pstr)
	}
	rest = rest[len(protocolName):]

	var h Handshake
	copy(h.Reserved[:], rest[:8])
	rest = rest[8:]
	copy(h.InfoHash[:], rest[:20])
	rest = rest[20:]
	copy(h.PeerID[:], rest[:20])
	return h, nil
}
