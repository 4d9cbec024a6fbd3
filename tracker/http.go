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
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dog4ik/media-server-sub002/bencode"
)

// maxHTTPResponseSize bounds how much of a tracker's response body is read,
// guarding against a misbehaving or malicious tracker streaming unbounded
// data.
const maxHTTPResponseSize = 2 << 20 // 2 MiB

// httpAnnounceReply mirrors the bencoded dict a BEP-3 HTTP tracker replies
// with. Peers may arrive either as a single compact byte string or as a
// list of dicts; both are captured as bencode.RawMessage and resolved by
// decodePeers.
type httpAnnounceReply struct {
	FailureReason string             `bencode:"failure reason,omitempty"`
	WarningReason string             `bencode:"warning reason,omitempty"`
	Interval      int64              `bencode:"interval,omitempty"`
	MinInterval   int64              `bencode:"min interval,omitempty"`
	TrackerID     string             `bencode:"tracker id,omitempty"`
	Complete      int64              `bencode:"complete,omitempty"`
	Incomplete    int64              `bencode:"incomplete,omitempty"`
	Peers         bencode.RawMessage `bencode:"peers,omitempty"`
}

type dictPeer struct {
	PeerID string `bencode:"peer id,omitempty"`
	IP     string `bencode:"ip"`
	Port   int64  `bencode:"port"`
}

// HTTPClient announces over HTTP, GET-requesting announce?... and parsing a
// bencoded reply.
type HTTPClient struct {
	base      *url.URL
	client    *http.Client
	config    Config
	log       *zap.SugaredLogger
	trackerID string
}

// NewHTTPClient builds an HTTPClient for the given announce URL.
func NewHTTPClient(base *url.URL, config Config, log *zap.SugaredLogger) *HTTPClient {
	config = config.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HTTPClient{
		base:   base,
		client: &http.Client{Timeout: config.AnnounceTimeout},
		config: config,
		log:    log.With("tracker", base.Host, "transport", "http"),
	}
}

// Announce implements Client.
func (c *HTTPClient) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	var resp *AnnounceResponse

	b := backoff.WithContext(backoff.WithMaxRetries(retryBackOff(c.config), uint64(c.config.MaxRetries)), ctx)
	op := func() error {
		r, err := c.announceOnce(ctx, params)
		if err != nil {
			c.log.Debugw("http announce attempt failed", "error", err)
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close implements Client.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) announceOnce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	u := c.buildAnnounceURL(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseSize))
	if err != nil {
		return nil, err
	}
	return c.parseReply(body)
}

func (c *HTTPClient) buildAnnounceURL(params AnnounceParams) string {
	q := url.Values{}
	q.Set("info_hash", string(params.InfoHash.Bytes()))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")
	if n := params.NumWant; n > 0 {
		q.Set("numwant", strconv.Itoa(n))
	} else {
		q.Set("numwant", strconv.Itoa(c.config.NumWant))
	}
	if ev := params.Event.String(); ev != "" {
		q.Set("event", ev)
	}
	if c.trackerID != "" {
		q.Set("trackerid", c.trackerID)
	}

	u := *c.base
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *HTTPClient) parseReply(body []byte) (*AnnounceResponse, error) {
	var reply httpAnnounceReply
	if err := bencode.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}
	if reply.FailureReason != "" {
		return nil, &ErrTrackerFailure{Reason: reply.FailureReason}
	}
	if reply.WarningReason != "" {
		c.log.Warnw("tracker warning", "reason", reply.WarningReason)
	}
	if reply.TrackerID != "" {
		c.trackerID = reply.TrackerID
	}

	peers, err := decodeHTTPPeers(reply.Peers)
	if err != nil {
		return nil, err
	}

	interval := time.Duration(reply.Interval) * time.Second
	if reply.MinInterval != 0 {
		interval = time.Duration(reply.MinInterval) * time.Second
	}
	if interval == 0 {
		interval = c.config.DefaultInterval
	}

	return &AnnounceResponse{
		Interval: interval,
		Seeders:  reply.Complete,
		Leechers: reply.Incomplete,
		Peers:    peers,
	}, nil
}

// decodeHTTPPeers resolves the "peers" key, which a tracker may send either
// as a compact byte string (6 bytes per peer: 4-byte IP, 2-byte port) or as
// a bencoded list of {ip, port[, peer id]} dicts.
func decodeHTTPPeers(raw bencode.RawMessage) ([]netip.AddrPort, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var compact string
	if err := bencode.Unmarshal(raw, &compact); err == nil {
		return decodeCompactPeers([]byte(compact))
	}

	var dicts []dictPeer
	if err := bencode.Unmarshal(raw, &dicts); err != nil {
		return nil, fmt.Errorf("%w: unrecognized peers encoding: %s", ErrMalformedResponse, err)
	}

	peers := make([]netip.AddrPort, 0, len(dicts))
	for _, d := range dicts {
		addr, err := netip.ParseAddr(d.IP)
		if err != nil {
			return nil, fmt.Errorf("%w: bad peer ip %q: %s", ErrMalformedResponse, d.IP, err)
		}
		if d.Port < 1 || d.Port > 65535 {
			return nil, fmt.Errorf("%w: bad peer port %d", ErrMalformedResponse, d.Port)
		}
		peers = append(peers, netip.AddrPortFrom(addr, uint16(d.Port)))
	}
	return peers, nil
}

func decodeCompactPeers(data []byte) ([]netip.AddrPort, error) {
	const stride = 6 // 4-byte IPv4 + 2-byte port
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of %d", ErrMalformedResponse, len(data), stride)
	}
	n := len(data) / stride
	peers := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		chunk := data[off : off+stride]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := uint16(chunk[4])<<8 | uint16(chunk[5])
		peers[i] = netip.AddrPortFrom(addr, port)
	}
	return peers, nil
}

// retryBackOff returns an ExponentialBackOff tuned for a single HTTP
// tracker, grounded on metainfoclient's announce retry policy.
func retryBackOff(config Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.RandomizationFactor = 0.05
	b.Multiplier = 1.3
	b.MaxInterval = config.AnnounceTimeout
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries, not elapsed time
	return b
}
