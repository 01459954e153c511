// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/engine/teststore"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

func TestKeyColumnsSorted(t *testing.T) {
	key := engine.Key{"b": 2, "a": 1, "c": 3}
	assert.Equal(t, []string{"a", "b", "c"}, key.Columns())
}

func TestLocationString(t *testing.T) {
	loc := engine.Location{
		Schema: "app", Table: "documents", Column: "content",
		Key: engine.Key{"id": 7, "rev": "a1"},
	}
	assert.Equal(t, "app.documents.content[id=7][rev=a1]", loc.String())

	loc.Schema = ""
	assert.Equal(t, "documents.content[id=7][rev=a1]", loc.String())
}

func TestWholeValue(t *testing.T) {
	// a zero threshold streams everything
	assert.False(t, engine.WholeValue(0, 0))
	assert.False(t, engine.WholeValue(100, 0))

	assert.True(t, engine.WholeValue(99, 100))
	assert.False(t, engine.WholeValue(100, 100))
	assert.False(t, engine.WholeValue(101, 100))

	// unknown lengths always stream
	assert.False(t, engine.WholeValue(engine.LengthUnknown, 100))
}

func TestRegistry(t *testing.T) {
	registry := engine.NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, registry.Add(teststore.New("pg-main", logical.Postgres)))
	require.NoError(t, registry.Add(teststore.New("ora-main", logical.Oracle)))
	require.Error(t, registry.Add(teststore.New("pg-main", logical.Postgres)))

	found, err := registry.Lookup("pg-main")
	require.NoError(t, err)
	assert.Equal(t, logical.Postgres, found.Kind())

	_, err = registry.Lookup("nope")
	require.Error(t, err)

	assert.Equal(t, []string{"ora-main", "pg-main"}, registry.Names())
}
