// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package transfer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TheWiseCoder/dbrief/internal/testcontext"
	"github.com/TheWiseCoder/dbrief/internal/testrand"
	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/engine/teststore"
	"github.com/TheWiseCoder/dbrief/pkg/journal"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
	"github.com/TheWiseCoder/dbrief/pkg/sessions"
	"github.com/TheWiseCoder/dbrief/pkg/transfer"
)

type fixture struct {
	source      *teststore.Engine
	target      *teststore.Engine
	coordinator *transfer.Coordinator

	sourceLoc engine.Location
	targetLoc engine.Location
}

func newFixture(t *testing.T, config transfer.Config) *fixture {
	log := zaptest.NewLogger(t)

	source := teststore.New("ora-main", logical.Oracle)
	target := teststore.New("pg-main", logical.Postgres)

	registry := engine.NewRegistry(log)
	require.NoError(t, registry.Add(source))
	require.NoError(t, registry.Add(target))

	f := &fixture{
		source:      source,
		target:      target,
		coordinator: transfer.NewCoordinator(log, logical.NewMapper(), registry, config),
		sourceLoc: engine.Location{
			Schema: "app", Table: "documents", Column: "content",
			Key: engine.Key{"id": 1},
		},
		targetLoc: engine.Location{
			Schema: "app", Table: "documents", Column: "content",
			Key: engine.Key{"id": 1},
		},
	}
	f.source.SetType(f.sourceLoc, "BLOB")
	f.target.SetType(f.targetLoc, "bytea")
	return f
}

func (f *fixture) request() transfer.Request {
	return transfer.Request{
		Session: "test-session",
		Source:  transfer.ObjectHandle{Engine: "ora-main", Location: f.sourceLoc, Length: engine.LengthUnknown},
		Target:  transfer.TargetSpec{Engine: "pg-main", Location: f.targetLoc},
	}
}

func TestTransferCommitted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 1})
	data := testrand.BytesN(70000)
	f.source.SetObject(f.sourceLoc, data)

	result := f.coordinator.Transfer(ctx, f.request())
	require.NoError(t, result.Err)
	assert.Equal(t, transfer.Committed, result.State)
	assert.Equal(t, int64(70000), result.Bytes)
	assert.Equal(t, 1, result.Attempts)
	// 70000 bytes in 32768-byte chunks is three reads
	assert.Equal(t, 3, f.source.CallCount.Read)

	restored, ok := f.target.Object(f.targetLoc)
	require.True(t, ok)
	assert.Equal(t, data, restored)
}

func TestTransferText(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 4, MaxRetries: 1})
	f.source.SetType(f.sourceLoc, "CLOB")
	f.target.SetType(f.targetLoc, "text")

	// 11 characters, 13 bytes; character-sized chunks must not split
	// the multibyte runes
	text := []byte("héllo wörld")
	f.source.SetObject(f.sourceLoc, text)

	result := f.coordinator.Transfer(ctx, f.request())
	require.NoError(t, result.Err)
	assert.Equal(t, transfer.Committed, result.State)
	assert.Equal(t, int64(len(text)), result.Bytes)

	restored, ok := f.target.Object(f.targetLoc)
	require.True(t, ok)
	assert.Equal(t, text, restored)
}

func TestTransferZeroLength(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768})
	f.source.SetObject(f.sourceLoc, []byte{})

	result := f.coordinator.Transfer(ctx, f.request())
	require.NoError(t, result.Err)
	assert.Equal(t, transfer.Committed, result.State)
	assert.Equal(t, int64(0), result.Bytes)

	restored, ok := f.target.Object(f.targetLoc)
	require.True(t, ok)
	assert.Len(t, restored, 0)
}

func TestTransferUnmappedSourceType(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 3})
	f.source.SetType(f.sourceLoc, "XMLTYPE")
	f.source.SetObject(f.sourceLoc, testrand.BytesN(100))

	result := f.coordinator.Transfer(ctx, f.request())
	require.Error(t, result.Err)
	assert.Equal(t, transfer.Failed, result.State)
	assert.Equal(t, transfer.KindUnmappedType, result.Kind)
	assert.Equal(t, int64(0), result.Bytes)
	assert.Equal(t, 1, result.Attempts)
	// type errors are front-loaded: the target is never even opened
	assert.Equal(t, 0, f.target.CallCount.Open)
}

func TestTransferTypeMismatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 3})
	f.target.SetType(f.targetLoc, "integer")
	f.source.SetObject(f.sourceLoc, testrand.BytesN(100))

	result := f.coordinator.Transfer(ctx, f.request())
	require.Error(t, result.Err)
	assert.Equal(t, transfer.Failed, result.State)
	assert.Equal(t, transfer.KindTypeMismatch, result.Kind)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 0, f.target.CallCount.Write)
}

func TestTransferRetriesSourceRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 1})
	data := testrand.BytesN(70000)
	f.source.SetObject(f.sourceLoc, data)
	// attempt one dies fetching the third chunk
	f.source.FailReadAfter(2)

	result := f.coordinator.Transfer(ctx, f.request())
	require.NoError(t, result.Err)
	assert.Equal(t, transfer.Committed, result.State)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, int64(70000), result.Bytes)

	// the retry restarted from chunk zero: content matches a single
	// successful transfer, no duplication from the abandoned attempt
	restored, ok := f.target.Object(f.targetLoc)
	require.True(t, ok)
	assert.Equal(t, data, restored)
}

func TestTransferRetriesExhausted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 0})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(70000))
	f.source.FailReadAfter(2)

	result := f.coordinator.Transfer(ctx, f.request())
	require.Error(t, result.Err)
	assert.Equal(t, transfer.Failed, result.State)
	assert.Equal(t, transfer.KindSourceRead, result.Kind)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(65536), result.Offset)

	// the partial write was abandoned, nothing visible at the target
	_, ok := f.target.Object(f.targetLoc)
	assert.False(t, ok)
	assert.Equal(t, 1, f.target.CallCount.Abort)
}

func TestTransferSourceMissingNotRetried(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 5})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(100))
	f.source.MarkMissing(f.sourceLoc)

	result := f.coordinator.Transfer(ctx, f.request())
	require.Error(t, result.Err)
	assert.Equal(t, transfer.Failed, result.State)
	assert.Equal(t, transfer.KindSourceMissing, result.Kind)
	assert.Equal(t, 1, result.Attempts)
}

func TestTransferRetriesTargetWrite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 1})
	data := testrand.BytesN(70000)
	f.source.SetObject(f.sourceLoc, data)
	f.target.FailWriteAfter(1)

	result := f.coordinator.Transfer(ctx, f.request())
	require.NoError(t, result.Err)
	assert.Equal(t, transfer.Committed, result.State)
	assert.Equal(t, 2, result.Attempts)

	restored, ok := f.target.Object(f.targetLoc)
	require.True(t, ok)
	assert.Equal(t, data, restored)
}

func TestTransferRetriesCommitFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 1})
	data := testrand.BytesN(1000)
	f.source.SetObject(f.sourceLoc, data)
	f.target.FailCommit()

	result := f.coordinator.Transfer(ctx, f.request())
	require.NoError(t, result.Err)
	assert.Equal(t, transfer.Committed, result.State)
	assert.Equal(t, 2, result.Attempts)

	restored, ok := f.target.Object(f.targetLoc)
	require.True(t, ok)
	assert.Equal(t, data, restored)
}

func TestTransferCommitFailureAborts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 0})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(1000))
	f.target.FailCommit()

	result := f.coordinator.Transfer(ctx, f.request())
	require.Error(t, result.Err)
	assert.Equal(t, transfer.Failed, result.State)
	assert.Equal(t, transfer.KindTargetWrite, result.Kind)

	// the staged write is discarded, not left dangling
	assert.Equal(t, 1, f.target.CallCount.Abort)
	_, ok := f.target.Object(f.targetLoc)
	assert.False(t, ok)
}

func TestTransferStreamThreshold(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, StreamThreshold: 1 << 16})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(100))

	result := f.coordinator.Transfer(ctx, f.request())
	require.NoError(t, result.Err)
	assert.Equal(t, int64(100), f.target.LastWriter.Declared)
	assert.Equal(t, int64(1<<16), f.target.LastWriter.Threshold)

	// a per-request override wins over the coordinator default
	req := f.request()
	req.Config = &transfer.Config{ChunkSize: 32768, StreamThreshold: 512}
	result = f.coordinator.Transfer(ctx, req)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(512), f.target.LastWriter.Threshold)
}

func TestTransferCancelled(t *testing.T) {
	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 5})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(70000))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.coordinator.Transfer(ctx, f.request())
	require.Error(t, result.Err)
	assert.Equal(t, transfer.Failed, result.State)
	assert.Equal(t, transfer.KindCancelled, result.Kind)
}

func TestTransferSessionAbort(t *testing.T) {
	log := zaptest.NewLogger(t)
	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 5})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(70000))

	registry := sessions.NewRegistry(log, sessions.Metrics{ChunkSize: 32768})
	session, err := registry.Create("abort-me")
	require.NoError(t, err)
	_, err = registry.Begin("abort-me")
	require.NoError(t, err)
	require.NoError(t, registry.Abort("abort-me"))

	result := f.coordinator.Transfer(session.Context(), f.request())
	require.Error(t, result.Err)
	assert.Equal(t, transfer.KindCancelled, result.Kind)
}

func TestTransferNoObjectStore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(100))

	req := f.request()
	req.Target = transfer.TargetSpec{ObjectName: "doc.bin"}

	result := f.coordinator.Transfer(ctx, req)
	require.Error(t, result.Err)
	assert.Equal(t, transfer.Failed, result.State)
	assert.Equal(t, transfer.KindInternal, result.Kind)
}

func TestTransferChunkSizeOverride(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 1 << 20})
	f.source.SetObject(f.sourceLoc, testrand.BytesN(70000))

	req := f.request()
	req.Config = &transfer.Config{ChunkSize: 10000}

	result := f.coordinator.Transfer(ctx, req)
	require.NoError(t, result.Err)
	assert.Equal(t, transfer.Committed, result.State)
	assert.Equal(t, 7, f.source.CallCount.Read)
}

func TestTransferJournal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, transfer.Config{ChunkSize: 32768, MaxRetries: 0})
	records, err := journal.New(zaptest.NewLogger(t), ctx.File("journal", "transfers.db"))
	require.NoError(t, err)
	defer ctx.Check(records.Close)
	f.coordinator.SetJournal(records)

	data := testrand.BytesN(70000)
	f.source.SetObject(f.sourceLoc, data)

	req := f.request()
	result := f.coordinator.Transfer(ctx, req)
	require.NoError(t, result.Err)
	require.Equal(t, transfer.Committed, result.State)

	recs, err := records.List("test-session")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "committed", recs[0].State)
	assert.Equal(t, int64(70000), recs[0].Bytes)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Empty(t, recs[0].ErrorKind)

	// the offset checkpoint is cleared once the transfer commits
	offset, err := records.Offset("test-session", req.Source.String())
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
}
