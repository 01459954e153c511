// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package teststore implements an in-memory engine with injectable faults
// for exercising the transfer machinery without a live database.
package teststore

import (
	"context"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/TheWiseCoder/dbrief/pkg/chunk"
	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

// Engine implements engine.Engine backed by in-process maps.
type Engine struct {
	name string
	kind logical.Engine

	mu        sync.Mutex
	types     map[string]string          // column path -> native type name
	objects   map[string][]byte          // location -> committed bytes
	locations map[string]engine.Location // location -> its structured form
	missing   map[string]bool

	// Fault injection. A countdown of -1 means never fail.
	failReadAfter  int // fail the Nth reader chunk fetch, once
	failWriteAfter int // fail the Nth writer chunk, once
	failCommit     bool

	CallCount struct {
		Open   int
		Read   int
		Write  int
		Commit int
		Abort  int
	}

	// LastWriter records the arguments of the most recent NewWriter call.
	LastWriter struct {
		Declared  int64
		Threshold int64
	}
}

// New creates a test engine instance of the given family.
func New(name string, kind logical.Engine) *Engine {
	return &Engine{
		name:           name,
		kind:           kind,
		types:          map[string]string{},
		objects:        map[string][]byte{},
		locations:      map[string]engine.Location{},
		missing:        map[string]bool{},
		failReadAfter:  -1,
		failWriteAfter: -1,
	}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return e.name }

// Kind implements engine.Engine.
func (e *Engine) Kind() logical.Engine { return e.kind }

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context) (engine.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCount.Open++
	return &conn{engine: e}, nil
}

// SetType declares the native type of a column.
func (e *Engine) SetType(loc engine.Location, native string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types[columnPath(loc)] = native
}

// SetObject stores committed object bytes at loc.
func (e *Engine) SetObject(loc engine.Location, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objects[loc.String()] = append([]byte(nil), data...)
	e.locations[loc.String()] = loc
}

// Object returns the committed bytes at loc and whether they exist.
func (e *Engine) Object(loc engine.Location) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.objects[loc.String()]
	return data, ok
}

// MarkMissing makes reads of loc fail with engine.ErrSourceMissing.
func (e *Engine) MarkMissing(loc engine.Location) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.missing[loc.String()] = true
}

// FailReadAfter makes the reader fail once, after n successful chunk
// fetches, with a retryable read error.
func (e *Engine) FailReadAfter(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failReadAfter = n
}

// FailWriteAfter makes the writer fail once, after n successful chunk
// writes, with a retryable write error.
func (e *Engine) FailWriteAfter(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWriteAfter = n
}

// FailCommit makes the next writer commit fail once.
func (e *Engine) FailCommit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCommit = true
}

func columnPath(loc engine.Location) string {
	return loc.Schema + "." + loc.Table + "." + loc.Column
}

type conn struct {
	engine *Engine
}

func (c *conn) NativeType(ctx context.Context, loc engine.Location) (string, error) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	native, ok := c.engine.types[columnPath(loc)]
	if !ok {
		return "", engine.Error.New("no such column %q", columnPath(loc))
	}
	return native, nil
}

func (c *conn) Length(ctx context.Context, loc engine.Location, typ logical.Type) (int64, error) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	if c.engine.missing[loc.String()] {
		return 0, engine.ErrSourceMissing.New("%s", loc)
	}
	data, ok := c.engine.objects[loc.String()]
	if !ok {
		return 0, engine.ErrSourceMissing.New("%s", loc)
	}
	if typ == logical.Text {
		return int64(utf8.RuneCount(data)), nil
	}
	return int64(len(data)), nil
}

func (c *conn) ListLocations(ctx context.Context, schema, table, column string, keyColumns []string, limit, offset int) ([]engine.Location, error) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	var locations []engine.Location
	for path, loc := range c.engine.locations {
		if loc.Schema != schema || loc.Table != table || loc.Column != column {
			continue
		}
		if c.engine.missing[path] {
			continue
		}
		locations = append(locations, loc)
	}
	sort.Slice(locations, func(i, k int) bool {
		return locations[i].String() < locations[k].String()
	})

	if offset < 0 {
		offset = 0
	}
	if offset > len(locations) {
		offset = len(locations)
	}
	locations = locations[offset:]
	if limit > 0 && limit < len(locations) {
		locations = locations[:limit]
	}
	return locations, nil
}

func (c *conn) NewReader(ctx context.Context, loc engine.Location, typ logical.Type, chunkSize int) (engine.ObjectReader, error) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	if c.engine.missing[loc.String()] {
		return nil, engine.ErrSourceMissing.New("%s", loc)
	}
	data, ok := c.engine.objects[loc.String()]
	if !ok {
		return nil, engine.ErrSourceMissing.New("%s", loc)
	}

	var chunks []chunk.Chunk
	var err error
	if typ == logical.Text {
		// text chunks count characters and never split one
		chunks, err = splitText(data, chunkSize)
	} else {
		chunks, err = chunk.Split(data, chunkSize)
	}
	if err != nil {
		return nil, engine.ErrSourceRead.Wrap(err)
	}
	return &reader{engine: c.engine, loc: loc, chunks: chunks}, nil
}

func splitText(data []byte, chunkSize int) ([]chunk.Chunk, error) {
	if chunkSize <= 0 {
		return nil, chunk.Error.New("invalid chunk size %d", chunkSize)
	}
	runes := []rune(string(data))
	if len(runes) == 0 {
		return []chunk.Chunk{{Seq: 0, Last: true}}, nil
	}

	var chunks []chunk.Chunk
	for seq, off := 0, 0; off < len(runes); seq++ {
		end := off + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, chunk.Chunk{
			Seq:  seq,
			Data: []byte(string(runes[off:end])),
			Last: end == len(runes),
		})
		off = end
	}
	return chunks, nil
}

func (c *conn) NewWriter(ctx context.Context, loc engine.Location, typ logical.Type, declared, streamThreshold int64) (engine.ObjectWriter, error) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	c.engine.LastWriter.Declared = declared
	c.engine.LastWriter.Threshold = streamThreshold
	return &writer{engine: c.engine, loc: loc}, nil
}

func (c *conn) Close() error { return nil }

type reader struct {
	engine *Engine
	loc    engine.Location
	chunks []chunk.Chunk
	next   int
}

func (r *reader) Next(ctx context.Context) (chunk.Chunk, error) {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()

	if r.engine.missing[r.loc.String()] {
		return chunk.Chunk{}, engine.ErrSourceMissing.New("%s", r.loc)
	}
	if r.engine.failReadAfter == 0 {
		r.engine.failReadAfter = -1
		return chunk.Chunk{}, engine.ErrSourceRead.New("injected read fault at %s", r.loc)
	}
	if r.engine.failReadAfter > 0 {
		r.engine.failReadAfter--
	}
	if r.next >= len(r.chunks) {
		return chunk.Chunk{}, engine.ErrSourceRead.New("read past end of %s", r.loc)
	}

	r.engine.CallCount.Read++
	c := r.chunks[r.next]
	r.next++
	return c, nil
}

func (r *reader) Close() error { return nil }

// writer stages chunks and publishes them only on Commit, matching the
// visibility contract of the real engines.
type writer struct {
	engine *Engine
	loc    engine.Location
	seq    chunk.Sequencer
	staged []byte
	closed bool
}

func (w *writer) Write(ctx context.Context, c chunk.Chunk) error {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	if w.engine.failWriteAfter == 0 {
		w.engine.failWriteAfter = -1
		return engine.ErrTargetWrite.New("injected write fault at %s", w.loc)
	}
	if w.engine.failWriteAfter > 0 {
		w.engine.failWriteAfter--
	}
	if err := w.seq.Check(c); err != nil {
		return err
	}

	w.engine.CallCount.Write++
	w.staged = append(w.staged, c.Data...)
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	if !w.seq.Completed() {
		return chunk.Error.New("commit before end of stream")
	}
	if w.engine.failCommit {
		w.engine.failCommit = false
		return engine.ErrTargetWrite.New("injected commit fault at %s", w.loc)
	}

	w.engine.CallCount.Commit++
	w.engine.objects[w.loc.String()] = w.staged
	w.staged = nil
	w.closed = true
	return nil
}

func (w *writer) Abort() error {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	w.engine.CallCount.Abort++
	w.staged = nil
	w.closed = true
	return nil
}
