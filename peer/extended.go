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

import "github.com/dog4ik/media-server-sub002/bencode"

// ExtendedHandshakeID is the id-20 sub-message reserved for the extended
// handshake itself, per BEP-10.
const ExtendedHandshakeID byte = 0

// utMetadataExtension is the feature id for fetching Info from a magnet
// link (BEP-9), the minimum extension this engine negotiates.
const utMetadataExtension = "ut_metadata"

// ExtendedHandshake is the bencoded dict exchanged once both sides'
// reserved bytes advertise extension-protocol support (BEP-10 bit 44).
// MetadataSize is set by a holder of the full Info dict (BEP-9) so a
// magnet-link peer knows how many 16 KiB metadata pieces to request.
type ExtendedHandshake struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
}

// NewExtendedHandshake builds the extended handshake this engine offers,
// advertising ut_metadata at sub-message id 1. metadataSize is 0 when the
// local side does not yet hold the Info dict (the magnet-link case).
func NewExtendedHandshake(metadataSize int64) ExtendedHandshake {
	return ExtendedHandshake{
		M:            map[string]int64{utMetadataExtension: 1},
		MetadataSize: metadataSize,
	}
}

// SupportsMetadata reports whether the remote's extended handshake
// advertises ut_metadata.
func (h ExtendedHandshake) SupportsMetadata() bool {
	_, ok := h.M[utMetadataExtension]
	return ok
}

// MetadataExtensionID returns the sub-message id the remote wants used
// when sending it a ut_metadata message, per its own handshake's "m" dict.
func (h ExtendedHandshake) MetadataExtensionID() (byte, bool) {
	id, ok := h.M[utMetadataExtension]
	return byte(id), ok
}

// Marshal encodes h as a bencoded dict.
func (h ExtendedHandshake) Marshal() ([]byte, error) {
	return bencode.Marshal(h)
}

// UnmarshalExtendedHandshake decodes a bencoded extended handshake dict.
func UnmarshalExtendedHandshake(data []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.Unmarshal(data, &h); err != nil {
		return ExtendedHandshake{}, err
	}
	return h, nil
}
