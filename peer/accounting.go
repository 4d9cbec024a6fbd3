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

package peer

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

type sample struct {
	at time.Time
	n  int64
}

// speedMeter tracks a rolling byte rate over a fixed window, used for the
// per-peer upload/download accounting the scheduler reports upward
// (spec §4.5). Built on andres-erbsen/clock so tests can drive it with a
// mock clock, the same way scheduler_test.go/dispatcher_test.go do.
type speedMeter struct {
	mu      sync.Mutex
	clk     clock.Clock
	window  time.Duration
	samples []sample
}

func newSpeedMeter(clk clock.Clock, window time.Duration) *speedMeter {
	return &speedMeter{clk: clk, window: window}
}

// Add records n bytes transferred now.
func (m *speedMeter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{at: m.clk.Now(), n: n})
	m.pruneLocked()
}

// BytesPerSec returns the average rate over the trailing window.
func (m *speedMeter) BytesPerSec() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	var total int64
	for _, s := range m.samples {
		total += s.n
	}
	return float64(total) / m.window.Seconds()
}

func (m *speedMeter) pruneLocked() {
	cutoff := m.clk.Now().Add(-m.window)
	i := 0
	for ; i < len(m.samples); i++ {
		if m.samples[i].at.After(cutoff) {
			break
		}
	}
	m.samples = m.samples[i:]
}
