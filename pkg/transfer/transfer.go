// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package transfer implements the end-to-end large-object transfer: type
// negotiation, the lock-step chunk streaming loop, and the whole-transfer
// retry policy.
package transfer

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/TheWiseCoder/dbrief/pkg/chunk"
	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

// Error is the transfer error class for faults in the coordinator itself.
var Error = errs.Class("transfer error")

// State is a transfer session state. Transitions run strictly
// Opened -> TypeChecked -> Streaming -> Committed, or from any state to
// Failed.
type State int

// Transfer session states.
const (
	Opened State = iota
	TypeChecked
	Streaming
	Committed
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Opened:
		return "opened"
	case TypeChecked:
		return "type-checked"
	case Streaming:
		return "streaming"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind classifies a transfer failure. The coordinator is the only
// component that inspects it to decide on retry.
type Kind int

// Failure kinds.
const (
	KindNone Kind = iota
	KindEncoding
	KindSourceRead
	KindTargetWrite
	KindSourceMissing
	KindTypeMismatch
	KindUnmappedType
	KindCancelled
	KindInternal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindEncoding:
		return "encoding error"
	case KindSourceRead:
		return "source read error"
	case KindTargetWrite:
		return "target write error"
	case KindSourceMissing:
		return "source missing"
	case KindTypeMismatch:
		return "type mismatch"
	case KindUnmappedType:
		return "unmapped type"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal error"
	}
}

// Retryable reports whether a failure of this kind may be retried at
// whole-transfer granularity.
func (k Kind) Retryable() bool {
	return k == KindSourceRead || k == KindTargetWrite
}

// classify maps an error to its failure kind. Order matters: the chunk
// class marks internal sequencing bugs and wins over the transport
// classes that may wrap it.
func classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case err == context.Canceled || err == context.DeadlineExceeded:
		return KindCancelled
	case chunk.Error.Has(err):
		return KindEncoding
	case engine.ErrSourceMissing.Has(err):
		return KindSourceMissing
	case logical.ErrUnmappedType.Has(err):
		return KindUnmappedType
	case logical.ErrTypeMismatch.Has(err):
		return KindTypeMismatch
	case engine.ErrSourceRead.Has(err):
		return KindSourceRead
	case engine.ErrTargetWrite.Has(err):
		return KindTargetWrite
	default:
		return KindInternal
	}
}

// ObjectHandle identifies one large-object value at a named engine
// instance. Length may be LengthUnknown until the source is consulted.
type ObjectHandle struct {
	Engine   string
	Location engine.Location
	Length   int64
}

// String renders the handle for logs and journal records.
func (h ObjectHandle) String() string {
	return h.Engine + ":" + h.Location.String()
}

// TargetSpec names where the object lands: a column at a named engine
// instance, or the configured object store when Engine is empty.
type TargetSpec struct {
	Engine   string
	Location engine.Location

	// ObjectName overrides the object-store name derived from the source
	// row's primary key. Ignored for engine targets.
	ObjectName string
	Metadata   map[string]string
}

// IsObjectStore reports whether the target is the S3 object store.
func (t TargetSpec) IsObjectStore() bool { return t.Engine == "" }

// String renders the spec for logs and journal records.
func (t TargetSpec) String() string {
	if t.IsObjectStore() {
		return "s3:" + t.ObjectName
	}
	return t.Engine + ":" + t.Location.String()
}

// Request is one transfer to perform.
type Request struct {
	Session string
	Source  ObjectHandle
	Target  TargetSpec

	// Config overrides the coordinator's defaults for this request.
	Config *Config
}

// Result is the definitive outcome of a transfer. The caller always
// receives one; Failed results distinguish retryable-exhausted from
// terminal causes through Kind.
type Result struct {
	State    State
	Bytes    int64
	Offset   int64
	Attempts int
	Kind     Kind
	Err      error
}

// Config tunes the transfer machinery.
type Config struct {
	// ChunkSize is the maximum bytes moved per chunk.
	ChunkSize int
	// StreamThreshold, when positive, overrides the target engine's
	// configured whole-value threshold for this transfer.
	StreamThreshold int64
	// MaxRetries bounds whole-transfer retries on retryable failures.
	MaxRetries int
	// MaxConcurrent bounds transfers in flight across sessions.
	MaxConcurrent int
}

// Defaults mirror the service-level configuration defaults.
const (
	DefaultChunkSize     = 1 << 20
	DefaultMaxRetries    = 1
	DefaultMaxConcurrent = 4
)

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.StreamThreshold < 0 {
		c.StreamThreshold = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}
