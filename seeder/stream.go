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
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dog4ik/media-server-sub002/core"
)

// RangeServer exposes stream_range (spec §4.9) as an HTTP byte-range
// responder: one file within a torrent, served as pieces become saved. It
// shares a Responder with the peer-wire path, so a local player streaming a
// file and a remote peer requesting the same in-flight piece coalesce onto
// one storage retrieve.
type RangeServer struct {
	info *core.Info
	resp *Responder
	log  *zap.SugaredLogger
}

// NewRangeServer returns a RangeServer over resp, describing the layout of
// info's files.
func NewRangeServer(info *core.Info, resp *Responder, log *zap.SugaredLogger) *RangeServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RangeServer{info: info, resp: resp, log: log}
}

// Handler returns an http.Handler serving GET /files/{index} with standard
// Range request support.
func (s *RangeServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/files/{index}", s.serveFile).Methods("GET")
	return r
}

func (s *RangeServer) serveFile(w http.ResponseWriter, req *http.Request) {
	fileIndex, err := strconv.Atoi(mux.Vars(req)["index"])
	if err != nil {
		http.Error(w, "bad file index", http.StatusBadRequest)
		return
	}
	fileStart, fileLength, err := s.resp.engine.FileByteRange(fileIndex)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	start, end := int64(0), fileLength-1
	status := http.StatusOK
	if rh := req.Header.Get("Range"); rh != "" {
		start, end, err = parseByteRange(rh, fileLength)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fileLength))
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		status = http.StatusPartialContent
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, fileLength))
	}
	w.WriteHeader(status)

	if err := s.streamRange(req.Context(), fileStart+start, end-start+1, w); err != nil {
		s.log.Debugw("stream range interrupted", "file", fileIndex, "error", err)
	}
}

// streamRange writes length bytes starting at the virtual piece-stream
// offset globalOffset to w, waiting for each covering piece to finish
// saving in turn before copying its slice.
func (s *RangeServer) streamRange(ctx context.Context, globalOffset, length int64, w http.ResponseWriter) error {
	remaining := length
	offset := globalOffset

	for remaining > 0 {
		pieceIndex := int(offset / s.info.PieceLength)
		pieceLen, err := s.info.PieceLen(pieceIndex)
		if err != nil {
			return err
		}
		pieceStart := int64(pieceIndex) * s.info.PieceLength
		withinPiece := offset - pieceStart

		data, err := s.resp.RetrievePiece(ctx, pieceIndex)
		if err != nil {
			return err
		}

		n := pieceLen - withinPiece
		if n > remaining {
			n = remaining
		}
		if _, err := w.Write(data[withinPiece : withinPiece+n]); err != nil {
			return err
		}

		offset += n
		remaining -= n
	}
	return nil
}

// parseByteRange parses a single-range "bytes=start-end" header (RFC 7233),
// including the open-ended "start-" and suffix "-N" forms, against a
// resource of the given size.
func parseByteRange(header string, size int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, fmt.Errorf("seeder: unsupported range unit in %q", header)
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("seeder: multi-range requests are not supported")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("seeder: malformed range %q", header)
	}

	if parts[0] == "" {
		// Suffix range: last N bytes.
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("seeder: malformed suffix range %q", header)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("seeder: malformed range start %q", header)
	}
	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("seeder: malformed range end %q", header)
		}
	}
	if start > end || start >= size {
		return 0, 0, fmt.Errorf("seeder: range %q not satisfiable for size %d", header, size)
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}
