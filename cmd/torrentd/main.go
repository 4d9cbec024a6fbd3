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

// Command torrentd runs a standalone BitTorrent download/seed session: it
// loads a .torrent file or magnet link, downloads it into a save location,
// serves its pieces over a byte-range HTTP handler, and logs progress to
// stdout until the transfer completes or the process is killed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dog4ik/media-server-sub002/client"
	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/metrics"
	"github.com/dog4ik/media-server-sub002/utils/configutil"
	"github.com/dog4ik/media-server-sub002/utils/log"
)

// Config is torrentd's on-disk configuration: everything except the
// per-invocation torrent/magnet flags, which are more naturally passed on
// the command line than baked into a config file.
type Config struct {
	Client  client.Config  `yaml:"client"`
	Log     log.Config     `yaml:"log"`
	Metrics metrics.Config `yaml:"metrics"`
}

func loadConfig(path string) (Config, error) {
	var config Config
	if path == "" {
		return config, nil
	}
	if err := configutil.Load(path, &config); err != nil {
		return config, fmt.Errorf("load config: %s", err)
	}
	return config, nil
}

func main() {
	configPath := flag.String("config", "", "path to a torrentd config file")
	torrentPath := flag.String("torrent", "", "path to a .torrent file to download")
	magnetLink := flag.String("magnet", "", "magnet link to resolve and download")
	saveDir := flag.String("save_dir", "", "directory to save downloaded files under")
	serveAddr := flag.String("serve_addr", "", "if set, address to serve downloaded files' byte ranges on (e.g. :7100)")
	seedOnly := flag.Bool("seed", false, "exit immediately after validating save_dir instead of waiting for completion")
	disableFiles := flag.String("disable_files", "", "comma-separated file indices to skip downloading")

	flag.Parse()

	if *torrentPath == "" && *magnetLink == "" {
		fmt.Fprintln(os.Stderr, "torrentd: one of -torrent or -magnet is required")
		os.Exit(1)
	}
	if *saveDir == "" {
		fmt.Fprintln(os.Stderr, "torrentd: -save_dir is required")
		os.Exit(1)
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torrentd: %s\n", err)
		os.Exit(1)
	}

	zlog, err := log.New(config.Log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torrentd: configure logging: %s\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	log.SetGlobal(zlog)
	sugar := zlog.Sugar()

	stats, statsCloser, err := metrics.New(config.Metrics)
	if err != nil {
		sugar.Fatalf("configure metrics: %s", err)
	}
	defer statsCloser.Close()

	c, err := client.New(config.Client, stats, clock.New(), sugar)
	if err != nil {
		sugar.Fatalf("start client: %s", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	mi, err := resolveMetaInfo(ctx, c, *torrentPath, *magnetLink)
	cancel()
	if err != nil {
		sugar.Fatalf("resolve torrent: %s", err)
	}

	filePriorities, err := parseFilePriorities(mi, *disableFiles)
	if err != nil {
		sugar.Fatalf("parse disable_files: %s", err)
	}

	consumer := client.ProgressFunc(func(p client.DownloadProgress) {
		sugar.Infow("progress",
			"info_hash", mi.InfoHash,
			"percent", p.Percent,
			"peers", len(p.Peers),
		)
		for _, ch := range p.Changes {
			sugar.Debugw("state change", "kind", ch.Kind.String(), "piece", ch.PieceIndex, "file", ch.FileIndex)
		}
	})

	t, err := c.Download(*saveDir, mi, filePriorities, consumer)
	if err != nil {
		sugar.Fatalf("start download: %s", err)
	}
	defer t.Close()

	if *serveAddr != "" {
		srv := &http.Server{Addr: *serveAddr, Handler: t.RangeHandler()}
		go func() {
			sugar.Infow("serving byte ranges", "addr", *serveAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				sugar.Errorw("range server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	if *seedOnly {
		sugar.Info("seed mode: validated save_dir, exiting without waiting")
		return
	}

	done := make(chan error, 1)
	go func() { done <- t.Wait() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			sugar.Fatalf("download failed: %s", err)
		}
		sugar.Info("download complete")
	case <-sig:
		sugar.Info("interrupted, shutting down")
	}
}

// resolveMetaInfo loads a .torrent file from disk, or resolves a magnet
// link's metadata over the wire, depending on which flag was given.
func resolveMetaInfo(ctx context.Context, c *client.Client, torrentPath, magnetLink string) (*core.MetaInfo, error) {
	if torrentPath != "" {
		data, err := os.ReadFile(torrentPath)
		if err != nil {
			return nil, fmt.Errorf("read torrent file: %s", err)
		}
		return core.ParseMetaInfo(data)
	}
	return c.FromMagnetLink(ctx, magnetLink)
}

// parseFilePriorities turns a comma-separated list of file indices to
// disable into the per-file enabled map Download expects: every file has an
// entry, false for the listed indices and true for all others.
func parseFilePriorities(mi *core.MetaInfo, disableFiles string) (map[int]bool, error) {
	files := mi.Info.FileList()
	priorities := make(map[int]bool, len(files))
	for i := range files {
		priorities[i] = true
	}
	if disableFiles == "" {
		return priorities, nil
	}
	for _, tok := range strings.Split(disableFiles, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		i, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid file index %q: %s", tok, err)
		}
		if i < 0 || i >= len(files) {
			return nil, fmt.Errorf("file index %d out of range [0, %d)", i, len(files))
		}
		priorities[i] = false
	}
	return priorities, nil
}
