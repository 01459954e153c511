// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package teststore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheWiseCoder/dbrief/internal/testcontext"
	"github.com/TheWiseCoder/dbrief/internal/testrand"
	"github.com/TheWiseCoder/dbrief/pkg/chunk"
	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/engine/teststore"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

func testLocation() engine.Location {
	return engine.Location{
		Schema: "app",
		Table:  "documents",
		Column: "content",
		Key:    engine.Key{"id": 7},
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New("src", logical.Postgres)
	loc := testLocation()
	data := testrand.BytesN(70000)
	store.SetObject(loc, data)

	conn, err := store.Open(ctx)
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	length, err := conn.Length(ctx, loc, logical.Binary)
	require.NoError(t, err)
	assert.Equal(t, int64(70000), length)

	reader, err := conn.NewReader(ctx, loc, logical.Binary, 32768)
	require.NoError(t, err)
	defer ctx.Check(reader.Close)

	writer, err := conn.NewWriter(ctx, loc, logical.Binary, length, 0)
	require.NoError(t, err)

	var total int64
	for {
		c, err := reader.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, writer.Write(ctx, c))
		total += int64(c.Len())
		if c.Last {
			break
		}
	}
	require.NoError(t, writer.Commit(ctx))
	assert.Equal(t, int64(70000), total)

	restored, ok := store.Object(loc)
	require.True(t, ok)
	assert.Equal(t, data, restored)
}

func TestTextRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New("src", logical.SQLite)
	loc := testLocation()
	// 11 characters, 13 bytes in UTF-8
	text := []byte("héllo wörld")
	store.SetObject(loc, text)

	conn, err := store.Open(ctx)
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	length, err := conn.Length(ctx, loc, logical.Text)
	require.NoError(t, err)
	assert.Equal(t, int64(11), length)

	reader, err := conn.NewReader(ctx, loc, logical.Text, 4)
	require.NoError(t, err)
	defer ctx.Check(reader.Close)

	writer, err := conn.NewWriter(ctx, loc, logical.Text, length, 0)
	require.NoError(t, err)

	for {
		c, err := reader.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, writer.Write(ctx, c))
		if c.Last {
			break
		}
	}
	require.NoError(t, writer.Commit(ctx))

	restored, ok := store.Object(loc)
	require.True(t, ok)
	assert.Equal(t, text, restored)
}

func TestStagedInvisibleUntilCommit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New("dst", logical.Postgres)
	loc := testLocation()

	conn, err := store.Open(ctx)
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	writer, err := conn.NewWriter(ctx, loc, logical.Binary, 10, 0)
	require.NoError(t, err)
	require.NoError(t, writer.Write(ctx, chunk.Chunk{Seq: 0, Data: testrand.BytesN(10)}))

	_, ok := store.Object(loc)
	assert.False(t, ok)

	require.NoError(t, writer.Abort())
	_, ok = store.Object(loc)
	assert.False(t, ok)
}

func TestInjectedFaults(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New("src", logical.Oracle)
	loc := testLocation()
	store.SetObject(loc, testrand.BytesN(100))
	store.FailReadAfter(2)

	conn, err := store.Open(ctx)
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	reader, err := conn.NewReader(ctx, loc, logical.Binary, 10)
	require.NoError(t, err)
	defer ctx.Check(reader.Close)

	for i := 0; i < 2; i++ {
		_, err := reader.Next(ctx)
		require.NoError(t, err)
	}
	_, err = reader.Next(ctx)
	require.Error(t, err)
	require.True(t, engine.ErrSourceRead.Has(err))

	// the fault fires once; the next fetch succeeds
	_, err = reader.Next(ctx)
	require.NoError(t, err)
}

func TestListLocations(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New("src", logical.Postgres)
	for id := 1; id <= 5; id++ {
		store.SetObject(engine.Location{
			Schema: "app", Table: "documents", Column: "content",
			Key: engine.Key{"id": id},
		}, testrand.BytesN(10))
	}
	// a different column does not show up
	store.SetObject(engine.Location{
		Schema: "app", Table: "documents", Column: "preview",
		Key: engine.Key{"id": 1},
	}, testrand.BytesN(10))

	conn, err := store.Open(ctx)
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	locations, err := conn.ListLocations(ctx, "app", "documents", "content", []string{"id"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, locations, 5)
	for _, loc := range locations {
		assert.Equal(t, "content", loc.Column)
	}

	window, err := conn.ListLocations(ctx, "app", "documents", "content", []string{"id"}, 2, 1)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, locations[1], window[0])
	assert.Equal(t, locations[2], window[1])
}

func TestMissingObject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New("src", logical.Oracle)
	loc := testLocation()
	store.SetObject(loc, testrand.BytesN(10))
	store.MarkMissing(loc)

	conn, err := store.Open(ctx)
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	_, err = conn.NewReader(ctx, loc, logical.Binary, 10)
	require.Error(t, err)
	require.True(t, engine.ErrSourceMissing.Has(err))
}
