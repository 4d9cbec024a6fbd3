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

package client

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/listener"
	"github.com/dog4ik/media-server-sub002/scheduler"
)

const testPieceLength = 32 * 1024

func singleFileFixture(t *testing.T, numPieces int) (*core.MetaInfo, []byte) {
	t.Helper()
	content := make([]byte, int64(numPieces)*testPieceLength)
	_, err := rand.Read(content)
	require.NoError(t, err)

	var pieces []byte
	for off := 0; off < len(content); off += testPieceLength {
		h := sha1.Sum(content[off : off+testPieceLength])
		pieces = append(pieces, h[:]...)
	}

	info := core.Info{
		PieceLength: testPieceLength,
		Pieces:      pieces,
		Name:        "fixture.bin",
		Length:      int64(len(content)),
	}
	require.NoError(t, info.Validate())

	mi, err := core.NewMetaInfo(info, "", nil)
	require.NoError(t, err)
	return mi, content
}

// seedSaveLocation writes content to disk at the path a storage.Engine
// would expect to find it already present at, so Download's internal
// Validate call marks every piece saved without needing a network
// transfer at all.
func seedSaveLocation(t *testing.T, mi *core.MetaInfo, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, mi.Info.Name, mi.Info.FileList()[0].RelPath())
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, content, 0644))
	return dir
}

func fastConfig(startPort int) Config {
	return Config{
		Listener: listener.Config{StartPort: startPort, MaxPortScan: 20, HandshakeTimeout: 2 * time.Second},
		Scheduler: scheduler.Config{
			TickInterval:     10 * time.Millisecond,
			ChokeInterval:    50 * time.Millisecond,
			MaxUnchokedPeers: 4,
			MaxStrikes:       3,
		},
		MaxPeers:           10,
		MaxPeersPerTorrent: 10,
	}
}

type capturingConsumer struct {
	progress chan DownloadProgress
}

func newCapturingConsumer() *capturingConsumer {
	return &capturingConsumer{progress: make(chan DownloadProgress, 64)}
}

func (c *capturingConsumer) Report(p DownloadProgress) {
	select {
	case c.progress <- p:
	default:
	}
}

func TestDownloadEndToEndOverLoopback(t *testing.T) {
	require := require.New(t)

	mi, content := singleFileFixture(t, 3)

	seedClient, err := New(fastConfig(58101), nil, nil, nil)
	require.NoError(err)
	defer seedClient.Close()

	leechClient, err := New(fastConfig(58111), nil, nil, nil)
	require.NoError(err)
	defer leechClient.Close()

	seedDir := seedSaveLocation(t, mi, content)
	seedTorrent, err := seedClient.Download(seedDir, mi, nil, nil)
	require.NoError(err)
	require.True(seedTorrent.sched.Complete())

	leechDir := t.TempDir()
	consumer := newCapturingConsumer()
	leechTorrent, err := leechClient.Download(leechDir, mi, nil, consumer)
	require.NoError(err)

	seedPort := seedClient.ln.Addr().(*net.TCPAddr).Port
	leechTorrent.maybeDial(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(seedPort)))

	waitDone := make(chan error, 1)
	go func() { waitDone <- leechTorrent.Wait() }()

	select {
	case err := <-waitDone:
		require.NoError(err)
	case <-time.After(10 * time.Second):
		t.Fatal("leecher never finished downloading")
	}

	got, err := os.ReadFile(filepath.Join(leechDir, mi.Info.Name, mi.Info.FileList()[0].RelPath()))
	require.NoError(err)
	require.Equal(content, got)
}

func TestFromMagnetLinkRejectsLinkWithoutTrackers(t *testing.T) {
	c, err := New(fastConfig(58121), nil, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	infoHash := core.InfoHash{}
	_, err = c.FromMagnetLink(context.Background(), "magnet:?xt=urn:btih:"+infoHash.String())
	require.Error(t, err)
}

func TestDownloadRejectsDuplicateInfoHash(t *testing.T) {
	require := require.New(t)

	mi, content := singleFileFixture(t, 1)
	c, err := New(fastConfig(58131), nil, nil, nil)
	require.NoError(err)
	defer c.Close()

	dir := seedSaveLocation(t, mi, content)
	_, err = c.Download(dir, mi, nil, nil)
	require.NoError(err)

	_, err = c.Download(dir, mi, nil, nil)
	require.Error(err)
}
