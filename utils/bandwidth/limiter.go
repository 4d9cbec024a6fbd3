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

// Package bandwidth implements token-bucket egress/ingress shaping for peer
// connections.
package bandwidth

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dog4ik/media-server-sub002/utils/memsize"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, avoiding
	// integer overflow from mapping each bit to a token.
	TokenSize uint64 `yaml:"token_size"`

	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.EgressBitsPerSec == 0 {
		c.EgressBitsPerSec = 200 * memsize.Mbit
	}
	if c.IngressBitsPerSec == 0 {
		c.IngressBitsPerSec = 300 * memsize.Mbit
	}
	if c.TokenSize == 0 {
		c.TokenSize = memsize.Mbit
	}
	return c
}

// Limiter shapes egress and ingress bandwidth via a pair of token-bucket
// rate limiters, one per direction.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter creates a new Limiter.
func NewLimiter(config Config, logger *zap.SugaredLogger) *Limiter {
	config = config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if config.Disable {
		logger.Warn("bandwidth limits disabled")
	} else {
		logger.Infof("setting egress bandwidth to %s/sec", memsize.BitFormat(config.EgressBitsPerSec))
		logger.Infof("setting ingress bandwidth to %s/sec", memsize.BitFormat(config.IngressBitsPerSec))
	}

	etps := config.EgressBitsPerSec / config.TokenSize
	itps := config.IngressBitsPerSec / config.TokenSize

	return &Limiter{
		config:  config,
		egress:  rate.NewLimiter(rate.Limit(etps), int(etps)),
		ingress: rate.NewLimiter(rate.Limit(itps), int(itps)),
	}
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if l.config.Disable {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, max is %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(l.config.TokenSize*uint64(rl.Burst())))
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available, or
// returns an error if nbytes exceeds the configured maximum burst.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available, or
// returns an error if nbytes exceeds the configured maximum burst.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}
