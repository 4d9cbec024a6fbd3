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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestSetFallsOverWithinTier(t *testing.T) {
	require := require.New(t)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("d8:intervali1800ee"))
	}))
	defer alive.Close()

	set, err := NewSet("", [][]string{{dead.URL, alive.URL}}, Config{MaxRetries: 1}, clock.NewMock(), nil, nil)
	require.NoError(err)
	defer set.Close()

	resp, err := set.Announce(context.Background(), testParams(t))
	require.NoError(err)
	require.Equal(1800*time.Second, resp.Interval)
}

func TestSetReturnsErrorWhenNoAnnounceConfigured(t *testing.T) {
	require := require.New(t)

	_, err := NewSet("", nil, Config{}, clock.NewMock(), nil, nil)
	require.Error(err)
}

func TestBuildTiersFallsBackToSingleAnnounce(t *testing.T) {
	require := require.New(t)

	tiers, err := buildTiers("http://tracker.example/announce", nil)
	require.NoError(err)
	require.Len(tiers, 1)
	require.Len(tiers[0], 1)
}

func TestBuildTiersUsesAnnounceList(t *testing.T) {
	require := require.New(t)

	tiers, err := buildTiers("http://ignored/announce", [][]string{
		{"http://a/announce", "http://b/announce"},
		{"udp://c/announce"},
	})
	require.NoError(err)
	require.Len(tiers, 2)
	require.Len(tiers[0], 2)
	require.Len(tiers[1], 1)
}
