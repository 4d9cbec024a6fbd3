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

package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func table3() map[int]Entry {
	return map[int]Entry{
		0: {Priority: Medium},
		1: {Priority: High},
		2: {Priority: Medium},
	}
}

func TestLinearOrder(t *testing.T) {
	p := New(Linear)
	p.Rebuild(table3())

	idx, ok := p.PopNext()
	require.True(t, ok)
	require.Equal(t, 1, idx) // highest priority first

	idx, ok = p.PopNext()
	require.True(t, ok)
	require.Equal(t, 0, idx) // tie broken by index ASC

	idx, ok = p.PopNext()
	require.True(t, ok)
	require.Equal(t, 2, idx)

	_, ok = p.PopNext()
	require.False(t, ok)
}

func TestRareFirstOrder(t *testing.T) {
	p := New(RareFirst)
	p.Rebuild(map[int]Entry{
		0: {Priority: High, Rarity: 5},
		1: {Priority: High, Rarity: 1},
		2: {Priority: High, Rarity: 1},
	})

	idx, ok := p.PopNext()
	require.True(t, ok)
	require.Equal(t, 1, idx) // rarity 1, lowest index among ties

	idx, ok = p.PopNext()
	require.True(t, ok)
	require.Equal(t, 2, idx)

	idx, ok = p.PopNext()
	require.True(t, ok)
	require.Equal(t, 0, idx) // rarity 5 last
}

func TestDisabledNeverQueued(t *testing.T) {
	p := New(Linear)
	p.Rebuild(map[int]Entry{
		0: {Priority: Disabled},
		1: {Priority: Low},
	})
	require.Equal(t, 1, p.Len())
	idx, ok := p.PopNext()
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

func TestPopThenPutBackIsIdempotent(t *testing.T) {
	p := New(Linear)
	p.Rebuild(table3())

	before, ok := p.Peek()
	require.True(t, ok)

	popped, ok := p.PopNext()
	require.True(t, ok)
	p.PutBack(popped)

	after, ok := p.Peek()
	require.True(t, ok)
	require.Equal(t, before, after)
}

func TestRequestOverrideAndRevert(t *testing.T) {
	p := New(Linear)
	p.Rebuild(table3())

	p.Request(2)
	idx, ok := p.PopNext()
	require.True(t, ok)
	require.Equal(t, 2, idx)

	p.MarkSaved(2)

	// Reverted to Linear: highest remaining priority piece (1) comes next.
	idx, ok = p.PopNext()
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

func TestPopClosestForBitfield(t *testing.T) {
	p := New(Linear)
	p.Rebuild(table3())

	has := map[int]bool{2: true}
	idx, ok := p.PopClosestForBitfield(func(i int) bool { return has[i] })
	require.True(t, ok)
	require.Equal(t, 2, idx)
}

func TestUpdateRarityRepositions(t *testing.T) {
	p := New(RareFirst)
	p.Rebuild(map[int]Entry{
		0: {Priority: High, Rarity: 1},
		1: {Priority: High, Rarity: 9},
	})
	p.UpdateRarity(1, 0)

	idx, ok := p.PopNext()
	require.True(t, ok)
	require.Equal(t, 1, idx)
}
