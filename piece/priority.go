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

// Package piece implements the piece table and picker: given per-piece
// priority, rarity, and availability, it maintains an ordered queue of
// candidate pieces under a pluggable scheduling strategy.
package piece

// Priority ranks a piece's eligibility for download. Disabled pieces are
// never queued.
type Priority int

// Priority levels, lowest to highest.
const (
	Disabled Priority = iota
	Low
	Medium
	High
)

func (p Priority) String() string {
	switch p {
	case Disabled:
		return "disabled"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}
