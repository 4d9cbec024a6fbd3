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

package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOmitemptyOmitsZeroScalars(t *testing.T) {
	type s struct {
		N int    `bencode:"n,omitempty"`
		U uint32 `bencode:"u,omitempty"`
		B bool   `bencode:"b,omitempty"`
	}

	data, err := Marshal(s{})
	require.NoError(t, err)
	require.Equal(t, "de", string(data))
}

func TestOmitemptyKeepsNonZeroScalars(t *testing.T) {
	type s struct {
		N int `bencode:"n,omitempty"`
	}

	data, err := Marshal(s{N: 5})
	require.NoError(t, err)
	require.Equal(t, "d1:ni5ee", string(data))
}
