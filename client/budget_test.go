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

package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerBudgetBoundsConcurrentAcquires(t *testing.T) {
	b := newPeerBudget(3)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.tryAcquire()
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for ok := range results {
		if ok {
			granted++
		}
	}
	require.Equal(t, 3, granted)
	require.Equal(t, 3, b.inUse())
}

func TestPeerBudgetReleaseFreesASlot(t *testing.T) {
	b := newPeerBudget(1)
	require.True(t, b.tryAcquire())
	require.False(t, b.tryAcquire())

	b.release()
	require.True(t, b.hasRoom())
	require.True(t, b.tryAcquire())
}
