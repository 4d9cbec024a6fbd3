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

import (
	"github.com/dog4ik/media-server-sub002/bitfield"
	"github.com/dog4ik/media-server-sub002/core"
)

// DownloadParams is the resumable description of a torrent download: what
// it is, where its bytes live, which files are wanted, and which pieces
// were already verified present on a previous run. Grounded on
// original_source/torrent/src/resumability.rs's resume-file shape.
type DownloadParams struct {
	Info         core.Info
	Bitfield     *bitfield.Bitfield
	Trackers     []string
	// FilePriorities maps a file index (into Info.FileList()) to whether it
	// is enabled for download/seeding. A missing entry defaults to enabled.
	FilePriorities map[int]bool
	SaveLocation   string
}

// fileEnabled reports whether file i is enabled, defaulting to true.
func (p DownloadParams) fileEnabled(i int) bool {
	enabled, ok := p.FilePriorities[i]
	return !ok || enabled
}

// EnabledFilesBitfield returns, for the pieces of info, a bitfield.Bitfield
// marking only pieces that intersect at least one enabled file. Used by
// percent-complete reporting so disabled files don't count against
// completion.
func EnabledFilesBitfield(info *core.Info, params DownloadParams) (*bitfield.Bitfield, error) {
	l := buildLayout(info)
	n := info.NumPieces()
	bf := bitfield.New(uint64(n))
	for i := 0; i < n; i++ {
		start := int64(i) * info.PieceLength
		length, err := info.PieceLen(i)
		if err != nil {
			return nil, err
		}
		for _, s := range l.spansForRange(start, length) {
			if params.fileEnabled(s.fileIndex) {
				if err := bf.Add(uint64(i)); err != nil {
					return nil, err
				}
				break
			}
		}
	}
	return bf, nil
}
