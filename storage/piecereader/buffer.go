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

// Package piecereader provides PieceReader implementations: an
// in-memory Buffer for freshly-verified pieces still warm in the block
// buffer, and a FileReader that reads a piece's bytes lazily from disk,
// possibly spanning several files in a multi-file torrent.
package piecereader

import "bytes"

// PieceReader is anything that streams one piece's bytes and reports its
// total length up front.
type PieceReader interface {
	Read(p []byte) (int, error)
	Close() error
	Length() int
}

// Buffer is a PieceReader over an in-memory byte slice.
type Buffer struct {
	reader *bytes.Reader
}

// NewBuffer returns a new Buffer for b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{bytes.NewReader(b)}
}

// Read reads from the buffer into p.
func (b *Buffer) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

// Close noops.
func (b *Buffer) Close() error {
	return nil
}

// Length returns the total number of bytes in the buffer.
func (b *Buffer) Length() int {
	return b.reader.Len()
}
