// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package engine defines the capability interface every database backend
// implements: open a connection, describe a column, read a large object as
// an ordered chunk sequence, and write one back. One variant exists per
// engine; nothing outside the variants knows engine-specific SQL.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"github.com/TheWiseCoder/dbrief/pkg/chunk"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

var (
	// Error is the catch-all error class for engine faults that are
	// neither read nor write path specific.
	Error = errs.Class("engine error")

	// ErrSourceRead is an engine-reported I/O or protocol fault on the
	// read path. Retryable at whole-transfer granularity.
	ErrSourceRead = errs.Class("source read error")

	// ErrSourceMissing means the addressed object no longer exists.
	// Terminal, never retried.
	ErrSourceMissing = errs.Class("source missing")

	// ErrTargetWrite is an engine-reported fault on the write path.
	// Retryable on the whole write, never on an individual chunk.
	ErrTargetWrite = errs.Class("target write error")
)

// LengthUnknown marks an object whose total size is not known until read.
const LengthUnknown = int64(-1)

// WholeValue reports whether a writer should bind the complete value in a
// single statement instead of streaming chunk appends: the declared length
// is known and strictly below the threshold. A zero threshold always
// streams.
func WholeValue(declared, threshold int64) bool {
	return declared != LengthUnknown && declared < threshold
}

// Key addresses one row by its primary-key column values.
type Key map[string]interface{}

// Columns returns the key column names in deterministic order.
func (k Key) Columns() []string {
	columns := make([]string, 0, len(k))
	for column := range k {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// Location addresses one large-object value: schema, table, column and the
// primary-key values of its row.
type Location struct {
	Schema string
	Table  string
	Column string
	Key    Key
}

// String renders the location for logs and journal records.
func (loc Location) String() string {
	var b strings.Builder
	if loc.Schema != "" {
		b.WriteString(loc.Schema)
		b.WriteByte('.')
	}
	b.WriteString(loc.Table)
	b.WriteByte('.')
	b.WriteString(loc.Column)
	for _, column := range loc.Key.Columns() {
		fmt.Fprintf(&b, "[%s=%v]", column, loc.Key[column])
	}
	return b.String()
}

// Engine is a configured database backend instance.
type Engine interface {
	// Name is the instance name from configuration.
	Name() string
	// Kind is the engine family, used for type mapping.
	Kind() logical.Engine
	// Open yields a ready connection.
	Open(ctx context.Context) (Conn, error)
}

// Conn is one open connection to an engine instance. Connections are not
// safe for concurrent use; each transfer session owns its own pair.
type Conn interface {
	// NativeType returns the engine-native type name of the addressed column.
	NativeType(ctx context.Context, loc Location) (string, error)

	// Length returns the size of the addressed object in its transfer
	// units: bytes for binary values, characters for text. A NULL value
	// reads as length zero. Returns ErrSourceMissing if the row is gone.
	Length(ctx context.Context, loc Location, typ logical.Type) (int64, error)

	// ListLocations enumerates rows of schema.table that hold a non-NULL
	// value in column, addressed by the named key columns and ordered by
	// them. limit <= 0 means unbounded; offset skips rows for incremental
	// windows.
	ListLocations(ctx context.Context, schema, table, column string, keyColumns []string, limit, offset int) ([]Location, error)

	// NewReader opens a pull-based chunk sequence over the object.
	// chunkSize counts transfer units; text chunks carry UTF-8 bytes and
	// are split on character boundaries only.
	NewReader(ctx context.Context, loc Location, typ logical.Type, chunkSize int) (ObjectReader, error)

	// NewWriter opens a writer for the addressed column. declared is the
	// total length the caller expects to write, or LengthUnknown; the
	// writer picks its object model (whole-value or streaming) from it.
	// streamThreshold, when positive, overrides the instance's configured
	// threshold for that decision.
	NewWriter(ctx context.Context, loc Location, typ logical.Type, declared, streamThreshold int64) (ObjectWriter, error)

	Close() error
}

// ObjectReader produces an object's bytes as a lazy, finite, non-restartable
// chunk sequence. At most one chunk is in flight; the consumer calls Next
// only after it is done with the previous chunk. After a failed Next no
// end-of-stream chunk is ever produced.
type ObjectReader interface {
	Next(ctx context.Context) (chunk.Chunk, error)
	Close() error
}

// ObjectWriter commits a chunk sequence into the target representation. No
// partial object becomes visible until Commit succeeds after the
// end-of-stream chunk; Abort discards all partial state.
type ObjectWriter interface {
	Write(ctx context.Context, c chunk.Chunk) error
	Commit(ctx context.Context) error
	Abort() error
}
