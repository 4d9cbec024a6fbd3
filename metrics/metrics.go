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

// Package metrics builds the tally.Scope a Client session reports peer
// budget, piece verification, and wire throughput metrics through. Grounded
// on kraken's metrics package, trimmed to the two backends the command-line
// binary actually offers: statsd, for a real collector, and console, for
// local runs.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/uber-go/tally"
	tallystatsd "github.com/uber-go/tally/statsd"
)

const flushInterval = 100 * time.Millisecond
const flushBytes = 512
const sampleRate = 1.0

// Config selects and configures a metrics backend.
type Config struct {
	Backend string       `yaml:"backend"`
	Statsd  StatsdConfig `yaml:"statsd"`
}

// StatsdConfig configures the statsd backend.
type StatsdConfig struct {
	HostPort string `yaml:"host_port"`
	Prefix   string `yaml:"prefix"`
}

// New builds a tally.Scope for config.Backend ("statsd" or "" / "console").
// The returned io.Closer must be closed on shutdown to flush any buffered
// samples.
func New(config Config) (tally.Scope, io.Closer, error) {
	switch config.Backend {
	case "statsd":
		return newStatsdScope(config.Statsd)
	case "", "console":
		return newConsoleScope()
	default:
		return nil, nil, fmt.Errorf("metrics: unknown backend %q", config.Backend)
	}
}

func newStatsdScope(config StatsdConfig) (tally.Scope, io.Closer, error) {
	statter, err := statsd.NewBufferedClient(config.HostPort, config.Prefix, flushInterval, flushBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("create statsd client: %s", err)
	}
	reporter := tallystatsd.NewReporter(statter, tallystatsd.Options{SampleRate: sampleRate})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{Reporter: reporter}, time.Second)
	return scope, closer, nil
}

func newConsoleScope() (tally.Scope, io.Closer, error) {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{Reporter: consoleReporter{}}, time.Second)
	return scope, closer, nil
}

// consoleReporter prints every reported sample to stdout, for runs without a
// real metrics collector configured.
type consoleReporter struct{}

func (consoleReporter) ReportCounter(name string, _ map[string]string, value int64) {
	fmt.Printf("count %s %d\n", name, value)
}

func (consoleReporter) ReportGauge(name string, _ map[string]string, value float64) {
	fmt.Printf("gauge %s %f\n", name, value)
}

func (consoleReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	fmt.Printf("timer %s %s\n", name, interval)
}

func (consoleReporter) ReportHistogramValueSamples(
	name string, _ map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	fmt.Printf("histogram %s bucket [%f, %f] samples %d\n", name, lower, upper, samples)
}

func (consoleReporter) ReportHistogramDurationSamples(
	name string, _ map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	fmt.Printf("histogram %s bucket [%v, %v] samples %d\n", name, lower, upper, samples)
}

func (consoleReporter) Capabilities() tally.Capabilities { return consoleReporter{} }
func (consoleReporter) Reporting() bool                  { return true }
func (consoleReporter) Tagging() bool                    { return false }
func (consoleReporter) Flush()                           {}
