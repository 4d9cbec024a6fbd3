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
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// pieceHashSize is the length in bytes of a single piece hash (SHA-1).
const pieceHashSize = sha1.Size

// FileEntry describes one file within a (possibly multi-file) torrent, in
// the order its bytes are concatenated to form the piece stream.
type FileEntry struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// RelPath joins Path into a platform-appropriate relative file path.
func (f FileEntry) RelPath() string {
	return filepath.Join(f.Path...)
}

// Info is a torrent's immutable info dictionary: piece layout, file layout,
// and piece hashes. Pieces is the concatenation of one 20-byte SHA-1 digest
// per piece, in piece order.
type Info struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      []byte      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
}

// IsMultiFile reports whether Info describes a multi-file torrent.
func (info *Info) IsMultiFile() bool {
	return len(info.Files) > 0
}

// FileList returns the ordered (relative_path, length) file descriptors
// that make up this torrent, regardless of whether it was declared
// single-file or multi-file.
func (info *Info) FileList() []FileEntry {
	if info.IsMultiFile() {
		return info.Files
	}
	return []FileEntry{{Path: []string{info.Name}, Length: info.Length}}
}

// TotalLength returns the sum of every file's length.
func (info *Info) TotalLength() int64 {
	if info.IsMultiFile() {
		var total int64
		for _, f := range info.Files {
			total += f.Length
		}
		return total
	}
	return info.Length
}

// NumPieces returns the number of pieces described by Pieces.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / pieceHashSize
}

// PieceHash returns the declared SHA-1 hash of piece i.
func (info *Info) PieceHash(i int) ([20]byte, error) {
	var h [20]byte
	if i < 0 || i >= info.NumPieces() {
		return h, fmt.Errorf("piece index %d out of range [0, %d)", i, info.NumPieces())
	}
	copy(h[:], info.Pieces[i*pieceHashSize:(i+1)*pieceHashSize])
	return h, nil
}

// PieceLen returns the declared length of piece i: PieceLength for every
// piece except the last, which may be shorter.
func (info *Info) PieceLen(i int) (int64, error) {
	n := info.NumPieces()
	if i < 0 || i >= n {
		return 0, fmt.Errorf("piece index %d out of range [0, %d)", i, n)
	}
	if i < n-1 {
		return info.PieceLength, nil
	}
	return info.TotalLength() - info.PieceLength*int64(n-1), nil
}

// Validate checks Info's internal invariants: the pieces string is a whole
// number of SHA-1 hashes, and piece count agrees with total length and
// piece length.
func (info *Info) Validate() error {
	if len(info.Pieces)%pieceHashSize != 0 {
		return errors.New("pieces has invalid length")
	}
	if info.PieceLength <= 0 {
		return errors.New("piece length must be positive")
	}
	total := info.TotalLength()
	want := int((total + info.PieceLength - 1) / info.PieceLength)
	if total == 0 {
		want = 0
	}
	if want != info.NumPieces() {
		return fmt.Errorf("piece count %d at odds with file lengths (want %d)", info.NumPieces(), want)
	}
	if info.IsMultiFile() && info.Length != 0 {
		return errors.New("info declares both length and files")
	}
	return nil
}

// NewInfoFromBlob hashes blob into SHA-1 pieces of pieceLength bytes each,
// producing a single-file Info named name.
func NewInfoFromBlob(name string, blob io.Reader, pieceLength int64) (Info, error) {
	if pieceLength <= 0 {
		return Info{}, errors.New("piece length must be positive")
	}
	var length int64
	var pieces []byte
	for {
		h := sha1.New()
		n, err := io.CopyN(h, blob, pieceLength)
		if err != nil && err != io.EOF {
			return Info{}, fmt.Errorf("read blob: %s", err)
		}
		length += n
		if n == 0 {
			break
		}
		pieces = h.Sum(pieces)
		if n < pieceLength {
			break
		}
	}
	return Info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Name:        name,
		Length:      length,
	}, nil
}
