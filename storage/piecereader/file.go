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

package piecereader

import (
	"fmt"
	"io"
	"os"
)

// Span is one file's byte range contributing to a piece's bytes, in the
// order they are concatenated to reassemble the piece.
type Span struct {
	FileIndex int
	Offset    int64
	Length    int64
}

// Opener opens the on-disk file backing a given file index. Callers must
// not use the returned file themselves; ownership passes to the FileReader.
type Opener interface {
	Open(fileIndex int) (*os.File, error)
}

// FileReader is a PieceReader that reads a piece's bytes lazily from disk,
// walking one or more file spans in order. Unlike the teacher's single-file
// FileReader, a piece here may straddle a file boundary in a multi-file
// torrent, so FileReader advances through a Span list rather than a single
// (offset, length) pair.
type FileReader struct {
	opener Opener
	spans  []Span
	length int

	cur    int // index into spans of the span currently being read
	reader io.Reader
	closer io.Closer
}

// NewFileReader creates a FileReader over spans, read in order via opener.
func NewFileReader(spans []Span, opener Opener) *FileReader {
	var length int
	for _, s := range spans {
		length += int(s.Length)
	}
	return &FileReader{opener: opener, spans: spans, length: length}
}

// Read implements io.Reader, opening each span's file lazily and advancing
// to the next span once the current one is exhausted.
func (r *FileReader) Read(p []byte) (int, error) {
	for {
		if r.reader == nil {
			if r.cur >= len(r.spans) {
				return 0, io.EOF
			}
			s := r.spans[r.cur]
			f, err := r.opener.Open(s.FileIndex)
			if err != nil {
				return 0, fmt.Errorf("open file %d: %s", s.FileIndex, err)
			}
			if _, err := f.Seek(s.Offset, io.SeekStart); err != nil {
				f.Close()
				return 0, fmt.Errorf("seek file %d: %s", s.FileIndex, err)
			}
			r.reader = io.LimitReader(f, s.Length)
			r.closer = f
		}
		n, err := r.reader.Read(p)
		if err == io.EOF {
			r.closer.Close()
			r.reader = nil
			r.closer = nil
			r.cur++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close closes the currently open span file, if any.
func (r *FileReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Length returns the total number of bytes across all spans.
func (r *FileReader) Length() int {
	return r.length
}
