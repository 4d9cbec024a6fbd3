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
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestSpeedMeterAveragesOverWindow(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := newSpeedMeter(clk, 2*time.Second)

	m.Add(1000)
	clk.Add(1 * time.Second)
	m.Add(1000)

	require.Equal(float64(2000)/2, m.BytesPerSec())
}

func TestSpeedMeterPrunesOldSamples(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	m := newSpeedMeter(clk, 2*time.Second)

	m.Add(1000)
	clk.Add(3 * time.Second)

	require.Equal(float64(0), m.BytesPerSec())
}
