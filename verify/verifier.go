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

// Package verify runs SHA-1 piece-hash verification on a bounded worker
// pool, off the scheduler's hot path.
package verify

import (
	"bytes"
	"crypto/sha1"
	"runtime"
	"sync"

	"github.com/uber-go/tally"
)

// Job is a request to verify one piece's assembled bytes against its
// declared hash.
type Job struct {
	PieceIndex int
	Hash       [20]byte
	// Blocks are the piece's block buffers in offset order; they are
	// concatenated to reassemble the piece before hashing.
	Blocks [][]byte
}

// Result is a completed verification. Blocks is returned unchanged so the
// caller can reuse the buffers on success or discard them on failure.
type Result struct {
	PieceIndex int
	Verified   bool
	Blocks     [][]byte
}

type pendingJob struct {
	job    Job
	result chan Result
}

// Verifier is a fixed-size pool of SHA-1 workers.
type Verifier struct {
	jobs   chan pendingJob
	wg     sync.WaitGroup
	scope  tally.Scope
	closed chan struct{}
}

// New starts a Verifier with workers goroutines. A workers value <= 0
// defaults to runtime.NumCPU().
func New(workers int, scope tally.Scope) *Verifier {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if scope == nil {
		scope = tally.NoopScope
	}

	v := &Verifier{
		jobs:   make(chan pendingJob),
		scope:  scope,
		closed: make(chan struct{}),
	}
	v.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go v.worker()
	}
	return v
}

func (v *Verifier) worker() {
	defer v.wg.Done()
	for {
		select {
		case pj := <-v.jobs:
			verified := verifyHash(pj.job.Hash, pj.job.Blocks)
			if verified {
				v.scope.Counter("piece_verified").Inc(1)
			} else {
				v.scope.Counter("piece_hash_mismatch").Inc(1)
			}
			// Buffered with capacity 1: the send never blocks even if the
			// caller has stopped listening, so a cancelled consumer cannot
			// stall or leak this goroutine.
			pj.result <- Result{
				PieceIndex: pj.job.PieceIndex,
				Verified:   verified,
				Blocks:     pj.job.Blocks,
			}
		case <-v.closed:
			return
		}
	}
}

// Submit enqueues job and returns a channel that receives exactly one
// Result. The caller may stop reading from the returned channel at any
// time (e.g. the torrent is cancelled); the job's CPU work still runs to
// completion, but its result is simply never collected.
func (v *Verifier) Submit(job Job) <-chan Result {
	result := make(chan Result, 1)
	select {
	case v.jobs <- pendingJob{job: job, result: result}:
	case <-v.closed:
		close(result)
	}
	return result
}

// Close stops accepting new jobs and waits for in-flight workers to drain.
func (v *Verifier) Close() {
	close(v.closed)
	v.wg.Wait()
}

func verifyHash(hash [20]byte, blocks [][]byte) bool {
	h := sha1.New()
	for _, b := range blocks {
		h.Write(b)
	}
	return bytes.Equal(h.Sum(nil), hash[:])
}
