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

import "time"

// Config configures a Set and the Clients it creates. Zero-value fields are
// filled in by applyDefaults, never by New.
type Config struct {
	// AnnounceTimeout bounds a single HTTP announce round trip. UDP
	// clients do not read it: each UDP read has a fixed 15 second
	// deadline (or the context's, if earlier).
	AnnounceTimeout time.Duration `yaml:"announce_timeout"`

	// MaxRetries bounds how many times a single HTTP announce is retried
	// before the tier fails over to the next tracker. UDP clients do not
	// read it: they retry connect and announce up to 8 times each on the
	// BEP-15 backoff schedule.
	MaxRetries int `yaml:"max_retries"`

	// DefaultInterval is used when a tracker's response omits interval.
	DefaultInterval time.Duration `yaml:"default_interval"`

	// RateLimit bounds how many announces may be in flight across all
	// trackers at once; RateLimitWindow is how long an acquired permit is
	// held before being released back to the pool, smoothing request
	// bursts across a set of trackers that might otherwise all be
	// announced to at the same instant.
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	NumWant int `yaml:"num_want"`
}

func (c Config) applyDefaults() Config {
	if c.AnnounceTimeout == 0 {
		c.AnnounceTimeout = 15 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 30 * time.Minute
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = 2 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	return c
}
