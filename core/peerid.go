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

package core

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrInvalidPeerIDLength is returned when a peer id does not decode to
// exactly 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is the 20-byte identifier a client presents during handshake.
type PeerID [20]byte

// NewPeerID parses a PeerID from a hex-encoded string.
func NewPeerID(s string) (PeerID, error) {
	var p PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(b) != 20 {
		return p, ErrInvalidPeerIDLength
	}
	copy(p[:], b)
	return p, nil
}

// String encodes p in hex.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// LessThan reports whether p sorts before o, byte-wise.
func (p PeerID) LessThan(o PeerID) bool {
	return bytes.Compare(p[:], o[:]) < 0
}

// RandomPeerID generates a PeerID from a cryptographically random source.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	_, err := rand.Read(p[:])
	return p, err
}
