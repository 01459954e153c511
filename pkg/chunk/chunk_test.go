// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package chunk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheWiseCoder/dbrief/internal/testrand"
	"github.com/TheWiseCoder/dbrief/pkg/chunk"
)

func TestSplitRoundTrip(t *testing.T) {
	for _, size := range []int{1, 7, 1024, 32768} {
		for _, length := range []int{0, 1, size - 1, size, size + 1, 3*size - 1, 3 * size} {
			if length < 0 {
				continue
			}
			data := testrand.BytesN(length)

			chunks, err := chunk.Split(data, size)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)
			require.True(t, chunks[len(chunks)-1].Last)

			var assembler chunk.Assembler
			for _, c := range chunks {
				require.NoError(t, assembler.Push(c))
			}
			restored, err := assembler.Bytes()
			require.NoError(t, err)
			assert.Equal(t, data, restored)
		}
	}
}

func TestSplitZeroLength(t *testing.T) {
	chunks, err := chunk.Split(nil, 32768)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Len())
	assert.True(t, chunks[0].Last)
}

func TestSplitExactMultiple(t *testing.T) {
	data := testrand.BytesN(4 * 1024)
	chunks, err := chunk.Split(data, 1024)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, i, c.Seq)
		assert.Equal(t, 1024, c.Len())
		assert.Equal(t, i == 3, c.Last)
	}
}

func TestSplitSizes(t *testing.T) {
	data := testrand.BytesN(70000)
	chunks, err := chunk.Split(data, 32768)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 32768, chunks[0].Len())
	assert.Equal(t, 32768, chunks[1].Len())
	assert.Equal(t, 4464, chunks[2].Len())
	assert.False(t, chunks[0].Last)
	assert.False(t, chunks[1].Last)
	assert.True(t, chunks[2].Last)
}

func TestSplitInvalidSize(t *testing.T) {
	_, err := chunk.Split(testrand.BytesN(16), 0)
	require.Error(t, err)
	require.True(t, chunk.Error.Has(err))
}

func TestAssemblerOutOfOrder(t *testing.T) {
	chunks, err := chunk.Split(testrand.BytesN(100), 10)
	require.NoError(t, err)

	var assembler chunk.Assembler
	require.NoError(t, assembler.Push(chunks[0]))

	err = assembler.Push(chunks[2])
	require.Error(t, err)
	require.True(t, chunk.Error.Has(err))

	err = assembler.Push(chunks[0])
	require.Error(t, err)
}

func TestAssemblerAfterLast(t *testing.T) {
	chunks, err := chunk.Split(testrand.BytesN(10), 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	var assembler chunk.Assembler
	require.NoError(t, assembler.Push(chunks[0]))
	require.True(t, assembler.Completed())

	err = assembler.Push(chunk.Chunk{Seq: 1, Last: true})
	require.Error(t, err)
	require.True(t, chunk.Error.Has(err))
}

func TestAssemblerIncomplete(t *testing.T) {
	chunks, err := chunk.Split(testrand.BytesN(100), 10)
	require.NoError(t, err)

	var assembler chunk.Assembler
	for _, c := range chunks[:5] {
		require.NoError(t, assembler.Push(c))
	}
	_, err = assembler.Bytes()
	require.Error(t, err)
	require.True(t, chunk.Error.Has(err))
}

func TestSequencerAccounting(t *testing.T) {
	chunks, err := chunk.Split(testrand.BytesN(70000), 32768)
	require.NoError(t, err)

	var seq chunk.Sequencer
	for _, c := range chunks {
		require.NoError(t, seq.Check(c))
	}
	assert.True(t, seq.Completed())
	assert.Equal(t, int64(70000), seq.Size())
	assert.Equal(t, 3, seq.Count())
}
