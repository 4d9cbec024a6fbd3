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

package seeder

import (
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dog4ik/media-server-sub002/storage"
)

func TestRangeServerServesWholeFile(t *testing.T) {
	require := require.New(t)

	info, pieces, engine := singlePieceFixture(t, 8*storage.BlockSize)
	writePiece(t, engine, 0, pieces[0])
	drainOneEvent(t, engine)
	writePiece(t, engine, 1, pieces[1])
	drainOneEvent(t, engine)

	s := NewRangeServer(info, New(engine, nil, nil), nil)

	req := httptest.NewRequest("GET", "/files/0", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(200, w.Code)
	want := append(append([]byte{}, pieces[0]...), pieces[1]...)
	require.Equal(want, w.Body.Bytes())
}

func TestRangeServerServesPartialRange(t *testing.T) {
	require := require.New(t)

	info, pieces, engine := singlePieceFixture(t, 8*storage.BlockSize)
	writePiece(t, engine, 0, pieces[0])
	drainOneEvent(t, engine)
	writePiece(t, engine, 1, pieces[1])
	drainOneEvent(t, engine)

	s := NewRangeServer(info, New(engine, nil, nil), nil)

	// Span the piece boundary: last 4 bytes of piece 0 plus first 4 of piece 1.
	pieceLen := len(pieces[0])
	start := pieceLen - 4
	end := pieceLen + 3
	req := httptest.NewRequest("GET", "/files/0", nil)
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("Range", "bytes="+strconv.Itoa(start)+"-"+strconv.Itoa(end))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(206, w.Code)
	want := append(append([]byte{}, pieces[0][pieceLen-4:]...), pieces[1][:4]...)
	require.Equal(want, w.Body.Bytes())
}

func TestRangeServerServesSuffixRange(t *testing.T) {
	require := require.New(t)

	info, pieces, engine := singlePieceFixture(t, 8*storage.BlockSize)
	writePiece(t, engine, 0, pieces[0])
	drainOneEvent(t, engine)
	writePiece(t, engine, 1, pieces[1])
	drainOneEvent(t, engine)

	s := NewRangeServer(info, New(engine, nil, nil), nil)

	req := httptest.NewRequest("GET", "/files/0", nil)
	req.Header.Set("Range", "bytes=-5")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(206, w.Code)
	want := pieces[1][len(pieces[1])-5:]
	require.Equal(want, w.Body.Bytes())
}

func TestRangeServerRejectsUnsatisfiableRange(t *testing.T) {
	require := require.New(t)

	info, pieces, engine := singlePieceFixture(t, 8*storage.BlockSize)
	writePiece(t, engine, 0, pieces[0])
	drainOneEvent(t, engine)
	writePiece(t, engine, 1, pieces[1])
	drainOneEvent(t, engine)

	s := NewRangeServer(info, New(engine, nil, nil), nil)

	total := len(pieces[0]) + len(pieces[1])
	req := httptest.NewRequest("GET", "/files/0", nil)
	req.Header.Set("Range", "bytes="+strconv.Itoa(total+10)+"-"+strconv.Itoa(total+20))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(416, w.Code)
}

func TestRangeServerRejectsUnknownFileIndex(t *testing.T) {
	require := require.New(t)

	info, _, engine := singlePieceFixture(t, 8*storage.BlockSize)
	s := NewRangeServer(info, New(engine, nil, nil), nil)

	req := httptest.NewRequest("GET", "/files/7", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(404, w.Code)
}

func TestParseByteRange(t *testing.T) {
	require := require.New(t)

	start, end, err := parseByteRange("bytes=0-99", 1000)
	require.NoError(err)
	require.Equal(int64(0), start)
	require.Equal(int64(99), end)

	start, end, err = parseByteRange("bytes=500-", 1000)
	require.NoError(err)
	require.Equal(int64(500), start)
	require.Equal(int64(999), end)

	start, end, err = parseByteRange("bytes=-100", 1000)
	require.NoError(err)
	require.Equal(int64(900), start)
	require.Equal(int64(999), end)

	_, _, err = parseByteRange("bytes=2000-3000", 1000)
	require.Error(err)

	_, _, err = parseByteRange("items=0-99", 1000)
	require.Error(err)

	_, _, err = parseByteRange("bytes=0-10,20-30", 1000)
	require.Error(err)
}
