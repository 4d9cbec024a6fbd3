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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// BEP-15 wire constants.
const (
	udpProtocolID    uint64 = 0x41727101980
	udpConnIDTTL            = 60 * time.Second
	udpMaxPacketSize        = 4096
	udpBaseBackoff          = 15 * time.Second
	udpMaxBackoff           = 3840 * time.Second
)

const (
	udpActionConnect uint32 = iota
	udpActionAnnounce
	udpActionScrape
	udpActionError
)

var (
	errUDPActionMismatch = errors.New("tracker: udp action mismatch")
	errUDPTxnMismatch    = errors.New("tracker: udp transaction id mismatch")
	errUDPShortPacket    = errors.New("tracker: udp packet too short")
)

// UDPClient announces over a UDP socket using BEP-15: a connect exchange
// establishes a connection-id, good for udpConnIDTTL, which authenticates
// subsequent announce (and scrape) requests.
type UDPClient struct {
	conn *net.UDPConn
	key  uint32
	log  *zap.SugaredLogger
	clk  clock.Clock

	mu        sync.Mutex
	connID    uint64
	connIDSet time.Time

	readBuf []byte
}

// NewUDPClient dials the UDP tracker at u (scheme "udp").
func NewUDPClient(u *url.URL, clk clock.Clock, log *zap.SugaredLogger) (*UDPClient, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve udp tracker addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	key, err := randUint32()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &UDPClient{
		conn:    conn,
		key:     key,
		log:     log.With("tracker", u.Host, "transport", "udp"),
		clk:     clk,
		readBuf: make([]byte, udpMaxPacketSize),
	}, nil
}

// Close implements Client.
func (c *UDPClient) Close() error { return c.conn.Close() }

// Announce implements Client.
func (c *UDPClient) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clk.Now().After(c.connIDSet.Add(udpConnIDTTL)) {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.announce(ctx, params)
	if err == nil {
		return resp, nil
	}

	if errors.Is(err, errUDPActionMismatch) || errors.Is(err, errUDPTxnMismatch) {
		c.log.Warnw("connection id appears stale, reconnecting", "error", err)
		c.connIDSet = time.Time{}
		if cerr := c.connect(ctx); cerr != nil {
			return nil, cerr
		}
		return c.announce(ctx, params)
	}
	return nil, err
}

// udpBackOff reproduces BEP-15's 15*2^n second backoff deterministically
// (no jitter): the spec defines the exact retransmission schedule clients
// are expected to use, unlike HTTP re-announce where jitter is desirable.
func udpBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = udpBaseBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = udpMaxBackoff
	b.MaxElapsedTime = 0
	return b
}

func (c *UDPClient) connect(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(udpBackOff(), 8), ctx)
	return backoff.Retry(func() error {
		txnID, err := randUint32()
		if err != nil {
			return err
		}
		if err := c.setDeadline(ctx); err != nil {
			return err
		}
		if err := c.sendConnect(txnID); err != nil {
			return err
		}
		connID, err := c.recvConnect(txnID)
		if err != nil {
			return err
		}
		c.connID = connID
		c.connIDSet = c.clk.Now()
		return nil
	}, b)
}

func (c *UDPClient) announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	var resp *AnnounceResponse

	b := backoff.WithContext(backoff.WithMaxRetries(udpBackOff(), 8), ctx)
	err := backoff.Retry(func() error {
		txnID, err := randUint32()
		if err != nil {
			return err
		}
		if err := c.setDeadline(ctx); err != nil {
			return err
		}
		if err := c.sendAnnounce(txnID, params); err != nil {
			return err
		}
		r, err := c.recvAnnounce(txnID)
		if err != nil {
			if errors.Is(err, errUDPActionMismatch) || errors.Is(err, errUDPTxnMismatch) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, b)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// setDeadline bounds the next socket read by real wall-clock time: unlike
// the connection-id TTL bookkeeping (which uses the injectable clock for
// deterministic tests), the deadline is enforced by the OS against actual
// time, so it must never be derived from a mock clock.
func (c *UDPClient) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.SetDeadline(deadline)
}

func (c *UDPClient) sendConnect(txnID uint32) error {
	var pkt [16]byte
	binary.BigEndian.PutUint64(pkt[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(pkt[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(pkt[12:16], txnID)
	_, err := c.conn.Write(pkt[:])
	return err
}

func (c *UDPClient) recvConnect(txnID uint32) (uint64, error) {
	var pkt [16]byte
	n, err := c.conn.Read(pkt[:])
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, errUDPShortPacket
	}
	if action := binary.BigEndian.Uint32(pkt[0:4]); action == udpActionError {
		return 0, &ErrTrackerFailure{Reason: string(pkt[8:n])}
	} else if action != udpActionConnect {
		return 0, errUDPActionMismatch
	}
	if binary.BigEndian.Uint32(pkt[4:8]) != txnID {
		return 0, errUDPTxnMismatch
	}
	return binary.BigEndian.Uint64(pkt[8:16]), nil
}

// udpEventCode maps Event to BEP-15's UDP wire ordinal, which does not
// match this package's own Event iota order: the wire protocol numbers
// completed before started (0: none, 1: completed, 2: started, 3: stopped).
func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func (c *UDPClient) sendAnnounce(txnID uint32, params AnnounceParams) error {
	var pkt [98]byte
	binary.BigEndian.PutUint64(pkt[0:8], c.connID)
	binary.BigEndian.PutUint32(pkt[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], txnID)
	copy(pkt[16:36], params.InfoHash.Bytes())
	copy(pkt[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(pkt[64:72], params.Left)
	binary.BigEndian.PutUint64(pkt[72:80], params.Uploaded)
	binary.BigEndian.PutUint32(pkt[80:84], udpEventCode(params.Event))
	binary.BigEndian.PutUint32(pkt[84:88], 0) // IP: 0 = use source address
	binary.BigEndian.PutUint32(pkt[88:92], c.key)
	numWant := int32(-1)
	if params.NumWant > 0 {
		numWant = int32(params.NumWant)
	}
	binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:98], params.Port)

	_, err := c.conn.Write(pkt[:])
	return err
}

func (c *UDPClient) recvAnnounce(txnID uint32) (*AnnounceResponse, error) {
	n, err := c.conn.Read(c.readBuf)
	if err != nil {
		return nil, err
	}
	pkt := c.readBuf[:n]
	if n < 20 {
		return nil, errUDPShortPacket
	}
	if action := binary.BigEndian.Uint32(pkt[0:4]); action == udpActionError {
		return nil, &ErrTrackerFailure{Reason: string(pkt[8:n])}
	} else if action != udpActionAnnounce {
		return nil, errUDPActionMismatch
	}
	if binary.BigEndian.Uint32(pkt[4:8]) != txnID {
		return nil, errUDPTxnMismatch
	}

	interval := binary.BigEndian.Uint32(pkt[8:12])
	leechers := binary.BigEndian.Uint32(pkt[12:16])
	seeders := binary.BigEndian.Uint32(pkt[16:20])

	peers, err := decodeCompactPeers(pkt[20:])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int64(leechers),
		Seeders:  int64(seeders),
		Peers:    peers,
	}, nil
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
