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

// Package bitfield implements a packed, wire-compatible bit-set over piece
// indices: has/add/remove/count/is_full, and byte (de)serialization in
// BitTorrent's MSB-first wire order.
package bitfield

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield tracks which piece indices, out of a fixed universe of N, are
// present. It is safe for concurrent use: the scheduler is the sole writer,
// but peer sessions and the seeder responder read it concurrently.
type Bitfield struct {
	mu  sync.RWMutex
	n   uint64
	set *bitset.BitSet
}

// New returns an empty Bitfield over n piece indices.
func New(n uint64) *Bitfield {
	return &Bitfield{n: n, set: bitset.New(uint(n))}
}

// errOutOfRange reports an out-of-bounds piece index.
func errOutOfRange(i, n uint64) error {
	return fmt.Errorf("piece index %d out of range [0, %d)", i, n)
}

// Has reports whether piece i is present.
func (b *Bitfield) Has(i uint64) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i >= b.n {
		return false, errOutOfRange(i, b.n)
	}
	return b.set.Test(uint(i)), nil
}

// Add marks piece i present.
func (b *Bitfield) Add(i uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= b.n {
		return errOutOfRange(i, b.n)
	}
	b.set.Set(uint(i))
	return nil
}

// Remove marks piece i absent.
func (b *Bitfield) Remove(i uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= b.n {
		return errOutOfRange(i, b.n)
	}
	b.set.Clear(uint(i))
	return nil
}

// CountOnes returns the number of pieces present.
func (b *Bitfield) CountOnes() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(b.set.Count())
}

// Len returns the total number of piece indices this Bitfield covers.
func (b *Bitfield) Len() uint64 {
	return b.n
}

// IsFull reports whether all n pieces are present.
func (b *Bitfield) IsFull() bool {
	return b.CountOnes() == b.n
}

// Clone returns an independent copy of b.
func (b *Bitfield) Clone() *Bitfield {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := bitset.New(uint(b.n))
	b.set.Copy(c)
	return &Bitfield{n: b.n, set: c}
}

// UnionInto ORs every bit set in b into dst. dst and b must cover the same
// number of pieces.
func (b *Bitfield) UnionInto(dst *Bitfield) error {
	if b.n != dst.n {
		return fmt.Errorf("bitfield size mismatch: %d vs %d", b.n, dst.n)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	dst.set.InPlaceUnion(b.set)
	return nil
}

// Bytes returns the packed, MSB-first wire representation: ceil(n/8) bytes,
// where bit 7 of byte 0 is piece 0.
func (b *Bitfield) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, (b.n+7)/8)
	for i := uint64(0); i < b.n; i++ {
		if b.set.Test(uint(i)) {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}

// FromBytes parses the packed MSB-first wire representation of a Bitfield
// over n pieces. It rejects a data slice of the wrong length, and rejects
// any non-zero padding bit beyond piece n-1.
func FromBytes(data []byte, n uint64) (*Bitfield, error) {
	wantLen := int((n + 7) / 8)
	if len(data) != wantLen {
		return nil, fmt.Errorf("bitfield has %d bytes, want %d for %d pieces", len(data), wantLen, n)
	}

	bf := New(n)
	for i := uint64(0); i < n; i++ {
		if data[i/8]&(1<<(7-i%8)) != 0 {
			bf.set.Set(uint(i))
		}
	}

	// Any bit beyond piece n-1, within the declared byte length, must be zero.
	if n%8 != 0 {
		last := data[len(data)-1]
		padMask := byte(0xFF) >> (n % 8)
		if last&padMask != 0 {
			return nil, fmt.Errorf("non-zero padding bits in bitfield trailer")
		}
	}

	return bf, nil
}

// String renders the bitfield as a sequence of '0'/'1' characters, piece 0
// first. Intended for debug logging, not the wire.
func (b *Bitfield) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var buf bytes.Buffer
	for i := uint64(0); i < b.n; i++ {
		if b.set.Test(uint(i)) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	return buf.String()
}
