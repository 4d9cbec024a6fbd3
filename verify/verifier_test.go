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

package verify

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sha1Of(chunks ...[]byte) [20]byte {
	h := sha1.New()
	for _, c := range chunks {
		h.Write(c)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

func TestSubmitVerifiedTrue(t *testing.T) {
	v := New(2, nil)
	defer v.Close()

	blocks := [][]byte{[]byte("abc"), []byte("def")}
	hash := sha1Of(blocks...)

	resCh := v.Submit(Job{PieceIndex: 3, Hash: hash, Blocks: blocks})
	select {
	case res := <-resCh:
		require.Equal(t, 3, res.PieceIndex)
		require.True(t, res.Verified)
		require.Equal(t, blocks, res.Blocks)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for verification result")
	}
}

func TestSubmitVerifiedFalseOnMismatch(t *testing.T) {
	v := New(2, nil)
	defer v.Close()

	blocks := [][]byte{[]byte("abc")}
	var badHash [20]byte

	resCh := v.Submit(Job{PieceIndex: 1, Hash: badHash, Blocks: blocks})
	res := <-resCh
	require.False(t, res.Verified)
}

func TestCancelledConsumerDoesNotBlockWorker(t *testing.T) {
	v := New(1, nil)
	defer v.Close()

	blocks := [][]byte{[]byte("xyz")}
	hash := sha1Of(blocks...)

	// Submit and never read the result channel, then submit a second job
	// on the same single-worker pool. If the worker were blocked on the
	// unread result, this would deadlock.
	_ = v.Submit(Job{PieceIndex: 0, Hash: hash, Blocks: blocks})

	resCh := v.Submit(Job{PieceIndex: 1, Hash: hash, Blocks: blocks})
	select {
	case res := <-resCh:
		require.Equal(t, 1, res.PieceIndex)
	case <-time.After(time.Second):
		t.Fatal("second job never completed; first result channel blocked the worker")
	}
}
