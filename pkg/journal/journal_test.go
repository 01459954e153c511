// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package journal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TheWiseCoder/dbrief/internal/testcontext"
	"github.com/TheWiseCoder/dbrief/pkg/journal"
)

func openJournal(t *testing.T, ctx *testcontext.Context) *journal.Journal {
	j, err := journal.New(zaptest.NewLogger(t), ctx.File("journal", "transfers.db"))
	require.NoError(t, err)
	return j
}

func TestPutList(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := openJournal(t, ctx)
	defer ctx.Check(j.Close)

	require.NoError(t, j.Put(journal.Record{
		Session: "s1", Source: "a.documents.content[id=1]",
		Target: "b.documents.content[id=1]",
		State:  "committed", Bytes: 70000, Attempts: 1,
	}))
	require.NoError(t, j.Put(journal.Record{
		Session: "s1", Source: "a.documents.content[id=2]",
		State: "failed", ErrorKind: "source read error", Offset: 32768, Attempts: 2,
	}))
	require.NoError(t, j.Put(journal.Record{
		Session: "s2", Source: "a.documents.content[id=1]",
		State: "committed", Bytes: 10,
	}))

	records, err := j.List("s1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "committed", records[0].State)
	assert.Equal(t, int64(70000), records[0].Bytes)
	assert.False(t, records[0].UpdatedAt.IsZero())
	assert.Equal(t, "failed", records[1].State)
	assert.Equal(t, int64(32768), records[1].Offset)

	all, err := j.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPutReplaces(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := openJournal(t, ctx)
	defer ctx.Check(j.Close)

	rec := journal.Record{Session: "s1", Source: "src", State: "failed", Attempts: 1}
	require.NoError(t, j.Put(rec))
	rec.State, rec.Attempts = "committed", 2
	require.NoError(t, j.Put(rec))

	records, err := j.List("s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "committed", records[0].State)
	assert.Equal(t, 2, records[0].Attempts)
}

func TestCheckpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	j := openJournal(t, ctx)
	defer ctx.Check(j.Close)

	offset, err := j.Offset("s1", "src")
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	require.NoError(t, j.Checkpoint("s1", "src", 65536))
	offset, err = j.Offset("s1", "src")
	require.NoError(t, err)
	assert.Equal(t, int64(65536), offset)

	require.NoError(t, j.ClearCheckpoint("s1", "src"))
	offset, err = j.Offset("s1", "src")
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
}
