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

// Package storage translates piece/block coordinates into byte ranges
// across a torrent's (possibly multi-file) on-disk layout, buffers
// in-flight blocks, dispatches completed pieces for hash verification, and
// persists verified pieces. Grounded on
// lib/torrent/storage/agentstorage/torrent.go and pieces.go's
// write-on-verify state machine, generalized from single-file CRC32 to
// multi-file SHA-1.
package storage

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dog4ik/media-server-sub002/bitfield"
	"github.com/dog4ik/media-server-sub002/core"
	"github.com/dog4ik/media-server-sub002/storage/piecereader"
	"github.com/dog4ik/media-server-sub002/verify"
)

// Config configures an Engine. Zero-value fields are filled in by
// applyDefaults, never by New, per the teacher's config convention.
type Config struct {
	SaveLocation string `yaml:"save_location" validate:"nonzero"`
	CacheSize    int    `yaml:"cache_size"`
}

func (c Config) applyDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// PieceEvent reports the outcome of a piece that finished the
// buffer-verify-persist pipeline.
type PieceEvent struct {
	Index    int
	Verified bool
}

type pieceBuffer struct {
	blocks [][]byte
	filled int
}

// Engine is one torrent's storage handle. It is safe for concurrent use and
// is shared (by reference) between the scheduler, which writes blocks and
// reads back disabled-file notifications, and the seeder responder, which
// reads pieces for remote peers and local streaming.
type Engine struct {
	info   *core.Info
	layout layout
	cfg    Config

	mu       sync.Mutex
	files    map[int]*os.File
	pieces   []*pieceState
	buffers  map[int]*pieceBuffer
	disabled map[int]bool

	verifier *verify.Verifier
	cache    *readCache
	events   chan PieceEvent
	complete *atomic.Int32

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]chan PieceEvent

	scope tally.Scope
	log   *zap.SugaredLogger
}

// New creates an Engine over info, rooted at cfg.SaveLocation. No pieces
// are marked present; call Validate to resume from a prior download.
func New(info *core.Info, cfg Config, v *verify.Verifier, scope tally.Scope, log *zap.SugaredLogger) (*Engine, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid info: %s", err)
	}
	cfg = cfg.applyDefaults()
	if scope == nil {
		scope = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	e := &Engine{
		info:     info,
		layout:   buildLayout(info),
		cfg:      cfg,
		files:    make(map[int]*os.File),
		pieces:   newPieceStates(info.NumPieces(), func(int) bool { return false }),
		buffers:  make(map[int]*pieceBuffer),
		disabled: make(map[int]bool),
		verifier: v,
		cache:    newReadCache(cfg.CacheSize),
		events:   make(chan PieceEvent, 1024),
		complete: atomic.NewInt32(0),
		subs:     make(map[int]chan PieceEvent),
		scope:    scope,
		log:      log,
	}
	return e, nil
}

// Events returns the channel of piece completion/failure notifications.
// Callers (the scheduler) must keep draining it.
func (e *Engine) Events() <-chan PieceEvent {
	return e.events
}

// Subscribe registers a second, independent listener for piece events (the
// seeder responder's stream_range, which cannot share the scheduler's
// Events() channel since only one consumer may drain it). The returned
// channel is closed, and the subscription removed, by calling cancel.
// Delivery is best-effort: a subscriber that falls behind misses
// notifications rather than blocking piece persistence, since the
// subscriber only uses them as a cue to re-check HasPiece.
func (e *Engine) Subscribe() (ch <-chan PieceEvent, cancel func()) {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	c := make(chan PieceEvent, 16)
	e.subs[id] = c
	e.subMu.Unlock()

	return c, func() {
		e.subMu.Lock()
		if cur, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(cur)
		}
		e.subMu.Unlock()
	}
}

// publish sends ev to the primary Events() channel and fans it out to every
// active Subscribe() listener.
func (e *Engine) publish(ev PieceEvent) {
	e.events <- ev

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, c := range e.subs {
		select {
		case c <- ev:
		default:
		}
	}
}

// Close releases open file handles. It does not stop the verifier, which
// may be shared across torrents.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, f := range e.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.files = make(map[int]*os.File)
	return firstErr
}

func numBlocks(pieceLen int64) int {
	return int((pieceLen + BlockSize - 1) / BlockSize)
}

func (e *Engine) pieceOffset(index int) int64 {
	return int64(index) * e.info.PieceLength
}

// path returns the on-disk path for file index i, per the save layout
// <save_location>/<info.name>/<relative_path>.
func (e *Engine) path(fileIndex int) string {
	fe := e.info.FileList()[fileIndex]
	return filepath.Join(e.cfg.SaveLocation, e.info.Name, fe.RelPath())
}

// openWritable returns the cached read/write handle for fileIndex, opening
// (and creating parent directories for) it on first use. Per spec §6, a
// file is pre-allocated to its declared length the first time any byte
// touching it is written, so sparse writes never leave trailing holes that
// later reads would see as short reads.
func (e *Engine) openWritable(fileIndex int) (*os.File, error) {
	if f, ok := e.files[fileIndex]; ok {
		return f, nil
	}
	p := e.path(fileIndex)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("mkdir: %s", err)
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat: %s", err)
	}
	declared := e.info.FileList()[fileIndex].Length
	if fi.Size() < declared {
		if err := f.Truncate(declared); err != nil {
			f.Close()
			return nil, fmt.Errorf("preallocate: %s", err)
		}
	}
	e.files[fileIndex] = f
	return f, nil
}

// readOpener implements piecereader.Opener by opening a fresh read-only
// handle per call, so a piecereader.FileReader can freely Close() it
// without disturbing the Engine's own cached write handles.
type readOpener struct{ e *Engine }

func (o readOpener) Open(fileIndex int) (*os.File, error) {
	return os.Open(o.e.path(fileIndex))
}

// WriteBlock buffers one block of piece index at byte offset begin. Once
// every block of the piece has arrived, the assembled piece is submitted
// for hash verification; the result surfaces asynchronously on Events().
// A block for an already-complete or disabled piece is silently ignored.
func (e *Engine) WriteBlock(index, begin int, data []byte) error {
	if index < 0 || index >= len(e.pieces) {
		return fmt.Errorf("piece index %d out of range", index)
	}

	e.mu.Lock()
	if e.pieces[index].get() == statusComplete || e.disabled[index] {
		e.mu.Unlock()
		return nil
	}

	buf, ok := e.buffers[index]
	if !ok {
		pieceLen, err := e.info.PieceLen(index)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		buf = &pieceBuffer{blocks: make([][]byte, numBlocks(pieceLen))}
		e.buffers[index] = buf
		e.pieces[index].tryMarkDirty()
	}

	blockIndex := begin / BlockSize
	if blockIndex < 0 || blockIndex >= len(buf.blocks) {
		e.mu.Unlock()
		return fmt.Errorf("block offset %d out of range for piece %d", begin, index)
	}
	if buf.blocks[blockIndex] == nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		buf.blocks[blockIndex] = cp
		buf.filled++
	}

	var job verify.Job
	complete := buf.filled == len(buf.blocks)
	if complete {
		hash, err := e.info.PieceHash(index)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		job = verify.Job{PieceIndex: index, Hash: hash, Blocks: buf.blocks}
		delete(e.buffers, index)
	}
	e.mu.Unlock()

	if complete {
		resCh := e.verifier.Submit(job)
		go e.awaitVerification(resCh)
	}
	return nil
}

func (e *Engine) awaitVerification(resCh <-chan verify.Result) {
	res, ok := <-resCh
	if !ok {
		return
	}

	e.mu.Lock()
	if !res.Verified {
		e.pieces[res.PieceIndex].markEmpty()
		e.mu.Unlock()
		e.publish(PieceEvent{Index: res.PieceIndex, Verified: false})
		return
	}
	if e.disabled[res.PieceIndex] {
		// Disabled by file priority: drop even though it verified.
		e.pieces[res.PieceIndex].markEmpty()
		e.mu.Unlock()
		e.log.Debugw("dropping verified piece disabled by file priority", "piece", res.PieceIndex)
		e.publish(PieceEvent{Index: res.PieceIndex, Verified: false})
		return
	}

	data := concatBlocks(res.Blocks)
	if err := e.writePieceBytesLocked(res.PieceIndex, data); err != nil {
		e.pieces[res.PieceIndex].markEmpty()
		e.mu.Unlock()
		e.log.Errorw("persist piece failed", "piece", res.PieceIndex, "error", err)
		e.publish(PieceEvent{Index: res.PieceIndex, Verified: false})
		return
	}
	e.pieces[res.PieceIndex].markComplete()
	e.complete.Inc()
	e.cache.put(res.PieceIndex, data)
	e.mu.Unlock()

	e.scope.Counter("piece_persisted").Inc(1)
	e.publish(PieceEvent{Index: res.PieceIndex, Verified: true})
}

func concatBlocks(blocks [][]byte) []byte {
	var total int
	for _, b := range blocks {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}

func (e *Engine) writePieceBytesLocked(index int, data []byte) error {
	spans := e.layout.spansForRange(e.pieceOffset(index), int64(len(data)))
	var consumed int64
	for _, sp := range spans {
		f, err := e.openWritable(sp.fileIndex)
		if err != nil {
			return err
		}
		chunk := data[consumed : consumed+sp.length]
		if _, err := f.WriteAt(chunk, sp.fileOffset); err != nil {
			return fmt.Errorf("write file %d: %s", sp.fileIndex, err)
		}
		consumed += sp.length
	}
	return nil
}

// readRawLocked reassembles piece index's bytes directly from disk,
// bypassing status checks and the read cache. Used internally by Validate
// (which runs before any piece is marked complete) and by Retrieve's cache
// miss path.
func (e *Engine) readRawLocked(index int) ([]byte, error) {
	pieceLen, err := e.info.PieceLen(index)
	if err != nil {
		return nil, err
	}
	out := make([]byte, pieceLen)
	var consumed int64
	for _, sp := range e.layout.spansForRange(e.pieceOffset(index), pieceLen) {
		f, err := e.openWritable(sp.fileIndex)
		if err != nil {
			return nil, err
		}
		if _, err := f.ReadAt(out[consumed:consumed+sp.length], sp.fileOffset); err != nil {
			return nil, fmt.Errorf("read file %d: %s", sp.fileIndex, err)
		}
		consumed += sp.length
	}
	return out, nil
}

// HasPiece reports whether piece index has been verified and persisted.
func (e *Engine) HasPiece(index int) bool {
	if index < 0 || index >= len(e.pieces) {
		return false
	}
	return e.pieces[index].get() == statusComplete
}

// NumComplete returns the count of verified, persisted pieces.
func (e *Engine) NumComplete() int {
	return int(e.complete.Load())
}

// Retrieve returns piece index's bytes, consulting (and populating) the LRU
// read cache. The piece must be complete.
func (e *Engine) Retrieve(index int) ([]byte, error) {
	if !e.HasPiece(index) {
		return nil, fmt.Errorf("piece %d not present", index)
	}
	if data, ok := e.cache.get(index); ok {
		return data, nil
	}

	e.mu.Lock()
	data, err := e.readRawLocked(index)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.cache.put(index, data)
	return data, nil
}

// GetPieceReader returns a streaming reader over piece index's bytes,
// suitable for serving a byte-range request without loading the whole
// piece into memory. The piece must be complete.
func (e *Engine) GetPieceReader(index int) (piecereader.PieceReader, error) {
	if !e.HasPiece(index) {
		return nil, fmt.Errorf("piece %d not present", index)
	}
	pieceLen, err := e.info.PieceLen(index)
	if err != nil {
		return nil, err
	}
	fileSpans := e.layout.spansForRange(e.pieceOffset(index), pieceLen)
	spans := make([]piecereader.Span, len(fileSpans))
	for i, sp := range fileSpans {
		spans[i] = piecereader.Span{FileIndex: sp.fileIndex, Offset: sp.fileOffset, Length: sp.length}
	}
	return piecereader.NewFileReader(spans, readOpener{e}), nil
}

// FileByteRange returns fileIndex's [start, start+length) extent within the
// virtual, concatenated piece stream, letting a caller outside this package
// (the seeder's byte-range responder) translate a file-relative Range
// request into piece coordinates without reaching into the unexported
// layout type.
func (e *Engine) FileByteRange(fileIndex int) (start, length int64, err error) {
	files := e.info.FileList()
	if fileIndex < 0 || fileIndex >= len(files) {
		return 0, 0, fmt.Errorf("file index %d out of range", fileIndex)
	}
	var pos int64
	for i, f := range files {
		if i == fileIndex {
			return pos, f.Length, nil
		}
		pos += f.Length
	}
	return 0, 0, fmt.Errorf("file index %d out of range", fileIndex)
}

// PieceIndexAt returns the piece index covering global byte offset in the
// virtual, concatenated piece stream.
func (e *Engine) PieceIndexAt(globalOffset int64) int {
	return int(globalOffset / e.info.PieceLength)
}

// SetPieceDisabled marks index as disabled (or re-enables it) by file
// priority. Disabling drops any in-flight buffered blocks for it, and
// WriteBlock ignores later blocks while it stays disabled. An
// already-persisted piece is left on disk and stays complete: HasPiece and
// Retrieve still serve it.
func (e *Engine) SetPieceDisabled(index int, disabled bool) error {
	if index < 0 || index >= len(e.pieces) {
		return fmt.Errorf("piece index %d out of range", index)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled[index] = disabled
	if disabled {
		if _, ok := e.buffers[index]; ok {
			delete(e.buffers, index)
			e.pieces[index].markEmpty()
		}
	}
	return nil
}

// Validate reads every piece marked present in params.Bitfield from disk
// and returns a pruned bitfield containing only those whose hash actually
// matches, marking them complete. It is the resume-scan entry point run
// once at torrent startup.
func (e *Engine) Validate(params DownloadParams) (*bitfield.Bitfield, error) {
	n := e.info.NumPieces()
	result := bitfield.New(uint64(n))
	var numComplete int32
	for i := 0; i < n; i++ {
		present, err := params.Bitfield.Has(uint64(i))
		if err != nil {
			return nil, err
		}
		if !present {
			continue
		}

		e.mu.Lock()
		data, err := e.readRawLocked(i)
		e.mu.Unlock()
		if err != nil {
			e.log.Warnw("resume scan: piece unreadable, treating as missing", "piece", i, "error", err)
			continue
		}

		want, err := e.info.PieceHash(i)
		if err != nil {
			return nil, err
		}
		if sha1.Sum(data) != want {
			continue
		}
		if err := result.Add(uint64(i)); err != nil {
			return nil, err
		}
		e.pieces[i].markComplete()
		numComplete++
	}
	e.complete.Store(numComplete)
	return result, nil
}
