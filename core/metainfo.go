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
	"fmt"
	"time"

	"github.com/dog4ik/media-server-sub002/bencode"
)

// AnnounceList is a tiered list of tracker announce URLs; a lower index is
// a more preferred tier.
type AnnounceList [][]string

// MetaInfo is the fully decoded contents of a .torrent file.
type MetaInfo struct {
	Info         Info
	InfoHash     InfoHash
	Announce     string
	AnnounceList AnnounceList
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
}

// metaInfoWire mirrors the bencode dictionary shape of a .torrent file. Info
// is captured as a bencode.RawMessage so its exact source bytes survive for
// info-hash computation, rather than being re-derived from a decoded value.
type metaInfoWire struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList AnnounceList       `bencode:"announce-list,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
	Encoding     string             `bencode:"encoding,omitempty"`
}

// ParseMetaInfo decodes a .torrent file's bytes into a MetaInfo, computing
// the info-hash from the info dictionary's raw source bytes.
func ParseMetaInfo(data []byte) (*MetaInfo, error) {
	var wire metaInfoWire
	if err := bencode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal metainfo: %s", err)
	}

	var info Info
	if err := bencode.Unmarshal(wire.Info, &info); err != nil {
		return nil, fmt.Errorf("unmarshal info dict: %s", err)
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid info dict: %s", err)
	}

	return &MetaInfo{
		Info:         info,
		InfoHash:     NewInfoHashFromBytes(wire.Info),
		Announce:     wire.Announce,
		AnnounceList: wire.AnnounceList,
		CreationDate: wire.CreationDate,
		Comment:      wire.Comment,
		CreatedBy:    wire.CreatedBy,
		Encoding:     wire.Encoding,
	}, nil
}

// NewMetaInfo builds a MetaInfo around info, computing its info-hash from a
// fresh canonical encoding (there is no "original document" bytes to
// preserve when the Info was generated locally rather than parsed).
func NewMetaInfo(info Info, announce string, trackers AnnounceList) (*MetaInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid info dict: %s", err)
	}
	raw, err := bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal info dict: %s", err)
	}
	return &MetaInfo{
		Info:         info,
		InfoHash:     NewInfoHashFromBytes(raw),
		Announce:     announce,
		AnnounceList: trackers,
		CreationDate: time.Now().Unix(),
	}, nil
}

// Serialize bencodes mi back into .torrent file bytes.
func (mi *MetaInfo) Serialize() ([]byte, error) {
	wire := metaInfoWire{
		Announce:     mi.Announce,
		AnnounceList: mi.AnnounceList,
		CreationDate: mi.CreationDate,
		Comment:      mi.Comment,
		CreatedBy:    mi.CreatedBy,
		Encoding:     mi.Encoding,
	}
	raw, err := bencode.Marshal(mi.Info)
	if err != nil {
		return nil, fmt.Errorf("marshal info dict: %s", err)
	}
	wire.Info = raw
	return bencode.Marshal(wire)
}

// Trackers flattens AnnounceList (falling back to the single Announce URL)
// into the ordered list a tracker client should try.
func (mi *MetaInfo) Trackers() []string {
	if len(mi.AnnounceList) == 0 {
		if mi.Announce == "" {
			return nil
		}
		return []string{mi.Announce}
	}
	var out []string
	for _, tier := range mi.AnnounceList {
		out = append(out, tier...)
	}
	return out
}
