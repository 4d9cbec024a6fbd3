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

package tracker

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/semaphore"
)

// rateLimiter bounds concurrent announces to n in-flight permits, each held
// for window before being released back to the pool. This smooths announce
// bursts (e.g. many torrents sharing one tracker host all re-announcing at
// once) without blocking any single announce beyond its own timeout.
type rateLimiter struct {
	sem    *semaphore.Weighted
	window time.Duration
	clk    clock.Clock
}

func newRateLimiter(n int, window time.Duration, clk clock.Clock) *rateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &rateLimiter{
		sem:    semaphore.NewWeighted(int64(n)),
		window: window,
		clk:    clk,
	}
}

// acquire blocks until a permit is available or ctx is done. The permit is
// automatically released after r.window, regardless of when the caller's
// announce actually finishes.
func (r *rateLimiter) acquire(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		<-r.clk.After(r.window)
		r.sem.Release(1)
	}()
	return nil
}
