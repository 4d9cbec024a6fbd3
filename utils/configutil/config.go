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

// Package configutil loads layered YAML configuration files, following
// "extends:" chains from most-general to most-specific, and validates the
// final result.
package configutil

import (
	"fmt"
	"os"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

type extendsHeader struct {
	Extends string `yaml:"extends"`
}

// Load reads the YAML file at path into v, following any "extends:" chain,
// and validates the merged result.
func Load(path string, v interface{}) error {
	chain, err := resolveChain(path)
	if err != nil {
		return err
	}
	return loadFiles(v, chain)
}

// resolveChain walks "extends:" pointers from path upward, returning paths
// ordered from least to most specific (base config first).
func resolveChain(path string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for path != "" {
		if seen[path] {
			return nil, fmt.Errorf("extends cycle detected at %s", path)
		}
		seen[path] = true

		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %s", path, err)
		}
		var h extendsHeader
		if err := yaml.Unmarshal(b, &h); err != nil {
			return nil, fmt.Errorf("parse extends header in %s: %s", path, err)
		}
		chain = append([]string{path}, chain...)
		path = h.Extends
	}
	return chain, nil
}

// loadFiles merges each file in paths (in order) onto v, then validates once.
func loadFiles(v interface{}, paths []string) error {
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %s", p, err)
		}
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("unmarshal %s: %s", p, err)
		}
	}
	if err := validator.Validate(v); err != nil {
		return fmt.Errorf("validate: %s", err)
	}
	return nil
}
