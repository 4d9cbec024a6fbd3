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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dog4ik/media-server-sub002/core"
)

func TestHandshakeWriteReadRoundTrip(t *testing.T) {
	require := require.New(t)

	infoHash, err := core.NewInfoHashFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(err)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	h := NewHandshake(infoHash, peerID, true)

	var buf bytes.Buffer
	require.NoError(WriteHandshake(&buf, h))

	got, err := ReadHandshake(&buf)
	require.NoError(err)
	require.Equal(h, got)
}

func TestHandshakeExtensionBit(t *testing.T) {
	require := require.New(t)

	infoHash, err := core.NewInfoHashFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(err)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	withExt := NewHandshake(infoHash, peerID, true)
	require.True(withExt.SupportsExtensions())

	withoutExt := NewHandshake(infoHash, peerID, false)
	require.False(withoutExt.SupportsExtensions())
}

func TestReadHandshakeRejectsBadProtocolString(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	buf.WriteByte(4)
	buf.WriteString("fake")
	buf.Write(make([]byte, 8+20+20))

	_, err := ReadHandshake(&buf)
	require.Error(err)
}
