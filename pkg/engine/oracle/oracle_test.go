// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

func TestSubstrAmounts(t *testing.T) {
	check := func(typ logical.Type, want int64, bound int64) {
		amounts := substrAmounts(typ, want)
		var total int64
		for _, amount := range amounts {
			assert.True(t, amount > 0)
			assert.True(t, amount <= bound)
			total += amount
		}
		assert.Equal(t, want, total)
	}

	// one fetch suffices up to the buffer cap
	assert.Len(t, substrAmounts(logical.Binary, 1), 1)
	assert.Len(t, substrAmounts(logical.Binary, maxBinaryFetch), 1)

	// one unit over the cap splits into two fetches
	amounts := substrAmounts(logical.Binary, maxBinaryFetch+1)
	require.Len(t, amounts, 2)
	assert.Equal(t, int64(maxBinaryFetch), amounts[0])
	assert.Equal(t, int64(1), amounts[1])

	check(logical.Binary, 1<<20, maxBinaryFetch)
	check(logical.Text, 1<<20, maxTextFetch)
	check(logical.Text, maxTextFetch+5, maxTextFetch)

	assert.Empty(t, substrAmounts(logical.Binary, 0))
}

func TestRawPieces(t *testing.T) {
	small := make([]byte, 100)
	pieces := rawPieces(small)
	require.Len(t, pieces, 1)
	assert.Len(t, pieces[0], 100)

	big := make([]byte, maxBinaryFetch*2+5)
	pieces = rawPieces(big)
	require.Len(t, pieces, 3)
	assert.Len(t, pieces[0], maxBinaryFetch)
	assert.Len(t, pieces[1], maxBinaryFetch)
	assert.Len(t, pieces[2], 5)

	var total int
	for _, piece := range pieces {
		total += len(piece)
	}
	assert.Equal(t, len(big), total)
}

func TestUnits(t *testing.T) {
	data := []byte("héllo wörld")
	assert.Equal(t, int64(13), units(logical.Binary, data))
	assert.Equal(t, int64(11), units(logical.Text, data))
}
