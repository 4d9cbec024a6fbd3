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

package bencode

// RawMessage captures the exact, unmodified source bytes of a bencode value
// instead of decoding them. Decode's Unmarshaler path already isolates those
// bytes for any type implementing Unmarshaler (see readOneValue); RawMessage
// is the identity case of that mechanism, used wherever a caller needs to
// hash or re-serialize a value byte-for-byte rather than interpret it.
//
// The canonical use is recovering the info-hash: a metainfo file's "info"
// dict must be hashed from its original bytes, not from a round-tripped
// re-encoding, since bencode has no canonical form (key order, integer
// leading zeros, etc. are preserved verbatim by a compliant encoder but
// cannot be assumed of every producer in the wild).
type RawMessage []byte

// MarshalBencode returns m unchanged; a nil m is encoded as the empty
// string "0:".
func (m RawMessage) MarshalBencode() ([]byte, error) {
	if m == nil {
		return []byte("0:"), nil
	}
	return []byte(m), nil
}

// UnmarshalBencode stores a copy of data, the exact bytes of the value as
// they appeared in the source.
func (m *RawMessage) UnmarshalBencode(data []byte) error {
	*m = append((*m)[0:0], data...)
	return nil
}
