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

// Package magnet parses and serializes magnet URIs
// (magnet:?xt=urn:btih:<40-hex>&dn=<name>&tr=<url>*).
package magnet

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dog4ik/media-server-sub002/core"
)

// ErrMissingInfoHash is returned when a magnet URI has no xt=urn:btih:
// parameter.
var ErrMissingInfoHash = errors.New("magnet link does not contain an info hash")

// Link is a parsed magnet URI.
type Link struct {
	InfoHash core.InfoHash
	Name     string
	Trackers []string
}

// Parse parses a magnet: URI into a Link. Only the xt (required), dn, and
// tr query parameters are recognized; everything else is ignored.
func Parse(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse magnet uri: %s", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}

	q := u.Query()

	xt := q.Get("xt")
	if xt == "" {
		return nil, ErrMissingInfoHash
	}
	hash, err := parseExactTopic(xt)
	if err != nil {
		return nil, err
	}

	link := &Link{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}
	return link, nil
}

// parseExactTopic parses an "xt" value of the form "urn:btih:<40-hex>".
func parseExactTopic(xt string) (core.InfoHash, error) {
	parts := strings.SplitN(xt, ":", 3)
	if len(parts) != 3 {
		return core.InfoHash{}, fmt.Errorf("malformed xt parameter: %q", xt)
	}
	urn, kind, hash := parts[0], parts[1], parts[2]
	if urn != "urn" {
		return core.InfoHash{}, fmt.Errorf("unsupported xt urn: %q", urn)
	}
	if kind != "btih" {
		return core.InfoHash{}, fmt.Errorf("unsupported xt hash indicator: %q", kind)
	}
	return core.NewInfoHashFromHex(strings.ToUpper(hash))
}

// String renders Link back into a canonical magnet: URI. For a Link
// produced by Parse on a magnet containing only xt/dn/tr fields, String is
// the inverse of Parse.
func (l *Link) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(strings.ToUpper(l.InfoHash.String()))

	v := url.Values{}
	if l.Name != "" {
		v.Set("dn", l.Name)
	}
	for _, tr := range l.Trackers {
		v.Add("tr", tr)
	}
	if encoded := v.Encode(); encoded != "" {
		b.WriteString("&")
		b.WriteString(encoded)
	}
	return b.String()
}
