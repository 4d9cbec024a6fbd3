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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeMarshalRoundTrip(t *testing.T) {
	require := require.New(t)

	h := NewExtendedHandshake(3425)
	require.True(h.SupportsMetadata())
	require.Equal(int64(3425), h.MetadataSize)

	data, err := h.Marshal()
	require.NoError(err)

	got, err := UnmarshalExtendedHandshake(data)
	require.NoError(err)
	require.Equal(h, got)
}

func TestExtendedHandshakeWithoutMetadataSupport(t *testing.T) {
	require := require.New(t)

	h := ExtendedHandshake{M: map[string]int64{}}
	require.False(h.SupportsMetadata())

	_, ok := h.MetadataExtensionID()
	require.False(ok)
}

func TestExtendedHandshakeMetadataExtensionID(t *testing.T) {
	require := require.New(t)

	h := NewExtendedHandshake(0)
	id, ok := h.MetadataExtensionID()
	require.True(ok)
	require.Equal(byte(1), id)
}
