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

package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddHasRemove(t *testing.T) {
	b := New(10)
	has, err := b.Has(3)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, b.Add(3))
	has, err = b.Has(3)
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, b.Remove(3))
	has, err = b.Has(3)
	require.NoError(t, err)
	require.False(t, has)
}

func TestOutOfRange(t *testing.T) {
	b := New(4)
	_, err := b.Has(4)
	require.Error(t, err)
	require.Error(t, b.Add(100))
}

func TestIsFull(t *testing.T) {
	b := New(3)
	require.False(t, b.IsFull())
	require.NoError(t, b.Add(0))
	require.NoError(t, b.Add(1))
	require.False(t, b.IsFull())
	require.NoError(t, b.Add(2))
	require.True(t, b.IsFull())
}

func TestBytesWireOrder(t *testing.T) {
	b := New(9)
	require.NoError(t, b.Add(0))
	require.NoError(t, b.Add(7))
	require.NoError(t, b.Add(8))

	got := b.Bytes()
	require.Len(t, got, 2)
	require.Equal(t, byte(0b10000001), got[0])
	require.Equal(t, byte(0b10000000), got[1])
}

func TestFromBytesRoundTrip(t *testing.T) {
	for _, n := range []uint64{1, 7, 8, 9, 16, 17, 100} {
		b := New(n)
		for i := uint64(0); i < n; i += 3 {
			require.NoError(t, b.Add(i))
		}

		round, err := FromBytes(b.Bytes(), n)
		require.NoError(t, err)
		require.Equal(t, b.Bytes(), round.Bytes())
		require.Equal(t, b.CountOnes(), round.CountOnes())
	}
}

func TestFromBytesRejectsPadding(t *testing.T) {
	// n=9 needs 2 bytes; second byte has only bit 8 meaningful (MSB).
	// Setting any other bit in that byte is invalid padding.
	_, err := FromBytes([]byte{0x00, 0x40}, 9)
	require.Error(t, err)
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{0x00}, 9)
	require.Error(t, err)
}

func TestUnionInto(t *testing.T) {
	a := New(8)
	require.NoError(t, a.Add(1))
	b := New(8)
	require.NoError(t, b.Add(2))

	require.NoError(t, a.UnionInto(b))
	has, _ := b.Has(1)
	require.True(t, has)
	has, _ = b.Has(2)
	require.True(t, has)
}
