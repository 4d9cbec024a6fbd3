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
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Set announces across a multi-tier announce-list (BEP-12): each tier is
// tried in order, and within a tier, trackers are tried in order until one
// answers; a tracker that answers is promoted to the front of its tier so
// subsequent announces prefer it, mirroring common client behavior.
type Set struct {
	mu      sync.Mutex
	tiers   [][]*url.URL
	clients map[string]Client

	config  Config
	limiter *rateLimiter
	clk     clock.Clock
	log     *zap.SugaredLogger
	stats   tally.Scope
}

// NewSet builds a Set from a primary announce URL and an optional
// announce-list (BEP-12 tiers; nil or empty falls back to a single tier
// containing just announce).
func NewSet(announce string, announceList [][]string, config Config, clk clock.Clock, stats tally.Scope, log *zap.SugaredLogger) (*Set, error) {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	tiers, err := buildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}
	shuffleTiers(tiers)

	return &Set{
		tiers:   tiers,
		clients: make(map[string]Client),
		config:  config,
		limiter: newRateLimiter(config.RateLimit, config.RateLimitWindow, clk),
		clk:     clk,
		log:     log.With("component", "tracker_set"),
		stats:   stats.SubScope("tracker"),
	}, nil
}

// Announce tries each tier in turn, returning the first successful
// response. Within a tier, a successful tracker is promoted to the front.
func (s *Set) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	if err := s.limiter.acquire(ctx); err != nil {
		return nil, err
	}

	s.stats.Counter("announce_attempt").Inc(1)

	var lastErr error
	for tierIdx := 0; tierIdx < s.numTiers(); tierIdx++ {
		tier := s.snapshotTier(tierIdx)

		for i, u := range tier {
			client, err := s.clientFor(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := client.Announce(ctx, params)
			if err != nil {
				s.log.Debugw("announce failed", "tracker", u.String(), "error", err)
				lastErr = err
				continue
			}

			s.promote(tierIdx, i)
			s.stats.Counter("announce_success").Inc(1)
			s.stats.Gauge("peers_returned").Update(float64(len(resp.Peers)))
			return resp, nil
		}

		s.log.Warnw("announce tier exhausted", "tier", tierIdx)
	}

	s.stats.Counter("announce_failure").Inc(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: no trackers configured")
	}
	return nil, lastErr
}

// Close releases every tracker client's resources (UDP sockets).
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Set) numTiers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tiers)
}

func (s *Set) snapshotTier(idx int) []*url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*url.URL(nil), s.tiers[idx]...)
}

func (s *Set) promote(tierIdx, urlIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if urlIdx <= 0 || urlIdx >= len(s.tiers[tierIdx]) {
		return
	}
	tier := s.tiers[tierIdx]
	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (s *Set) clientFor(u *url.URL) (Client, error) {
	key := u.String()

	s.mu.Lock()
	c, ok := s.clients[key]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	var (
		client Client
		err    error
	)
	switch u.Scheme {
	case "http", "https":
		client = NewHTTPClient(u, s.config, s.log)
	case "udp":
		client, err = NewUDPClient(u, s.clk, s.log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.clients[key] = client
	s.mu.Unlock()
	return client, nil
}

func buildTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	var raw [][]string
	if len(announceList) > 0 {
		raw = announceList
	} else if announce != "" {
		raw = [][]string{{announce}}
	} else {
		return nil, errors.New("tracker: no announce url provided")
	}

	tiers := make([][]*url.URL, 0, len(raw))
	for _, tier := range raw {
		urls := make([]*url.URL, 0, len(tier))
		for _, s := range tier {
			u, err := url.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("tracker: bad announce url %q: %w", s, err)
			}
			urls = append(urls, u)
		}
		if len(urls) > 0 {
			tiers = append(tiers, urls)
		}
	}
	return tiers, nil
}

func shuffleTiers(tiers [][]*url.URL) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, tier := range tiers {
		if len(tier) < 2 {
			continue
		}
		r.Shuffle(len(tier), func(a, b int) {
			tier[a], tier[b] = tier[b], tier[a]
		})
	}
}
