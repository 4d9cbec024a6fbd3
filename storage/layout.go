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

package storage

import "github.com/dog4ik/media-server-sub002/core"

// BlockSize is the default block request unit, 16 KiB.
const BlockSize = 16 * 1024

// fileOffset is the starting position of one file within the virtual,
// concatenated piece stream.
type fileOffset struct {
	index  int
	start  int64 // inclusive, in the virtual stream
	length int64
}

// layout precomputes the virtual-stream offset of each file in an Info, so
// piece/block coordinates can be translated into per-file byte ranges.
type layout struct {
	files []fileOffset
	total int64
}

func buildLayout(info *core.Info) layout {
	var l layout
	var pos int64
	for i, f := range info.FileList() {
		l.files = append(l.files, fileOffset{index: i, start: pos, length: f.Length})
		pos += f.Length
	}
	l.total = pos
	return l
}

// span is one file's byte range touched by a read or write.
type span struct {
	fileIndex  int
	fileOffset int64
	length     int64
}

// spansForRange returns, in file order, every file span touched by
// [globalOffset, globalOffset+length) of the virtual piece stream. A piece
// may span multiple files; the last file may end mid-piece.
func (l layout) spansForRange(globalOffset, length int64) []span {
	var spans []span
	end := globalOffset + length
	for _, f := range l.files {
		fileEnd := f.start + f.length
		if fileEnd <= globalOffset || f.start >= end {
			continue
		}
		spanStart := max64(globalOffset, f.start)
		spanEnd := min64(end, fileEnd)
		spans = append(spans, span{
			fileIndex:  f.index,
			fileOffset: spanStart - f.start,
			length:     spanEnd - spanStart,
		})
	}
	return spans
}

// filesFullyWithin returns the indices of files wholly contained within
// [globalOffset, globalOffset+length).
func (l layout) filesFullyWithin(globalOffset, length int64) []int {
	var idxs []int
	end := globalOffset + length
	for _, f := range l.files {
		if f.start >= globalOffset && f.start+f.length <= end {
			idxs = append(idxs, f.index)
		}
	}
	return idxs
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
