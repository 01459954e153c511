// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package chunk defines the fixed-size unit every large-object transfer is
// carried in, plus sequence validation for reassembly.
package chunk

import (
	"bytes"

	"github.com/zeebo/errs"
)

// Error is the error class for chunk sequencing faults. A sequencing fault
// is an internal bug, never an expected runtime condition.
var Error = errs.Class("chunk error")

// Chunk is one bounded-size, ordered slice of a large object's bytes.
// Chunks for one object are produced and consumed in strictly increasing
// sequence order; only the final chunk carries Last=true.
type Chunk struct {
	Seq  int
	Data []byte
	Last bool
}

// Len returns the payload size in bytes.
func (c Chunk) Len() int { return len(c.Data) }

// Split slices buf into chunks of at most size bytes each. A zero-length
// buf yields a single empty chunk flagged Last.
func Split(buf []byte, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, Error.New("invalid chunk size %d", size)
	}

	if len(buf) == 0 {
		return []Chunk{{Seq: 0, Last: true}}, nil
	}

	var chunks []Chunk
	for seq, off := 0, 0; off < len(buf); seq++ {
		end := off + size
		if end > len(buf) {
			end = len(buf)
		}
		chunks = append(chunks, Chunk{
			Seq:  seq,
			Data: buf[off:end],
			Last: end == len(buf),
		})
		off = end
	}
	return chunks, nil
}

// Sequencer validates that a chunk stream arrives in order, without gaps,
// and with nothing after the final chunk. It retains no payload bytes.
type Sequencer struct {
	next int
	size int64
	done bool
}

// Check validates c against the sequence seen so far and accounts its size.
func (s *Sequencer) Check(c Chunk) error {
	if s.done {
		return Error.New("chunk %d received after end of stream", c.Seq)
	}
	if c.Seq != s.next {
		return Error.New("chunk out of sequence: got %d, expected %d", c.Seq, s.next)
	}
	s.next++
	s.size += int64(len(c.Data))
	if c.Last {
		s.done = true
	}
	return nil
}

// Completed reports whether the final chunk has been seen.
func (s *Sequencer) Completed() bool { return s.done }

// Size returns the total payload bytes accounted so far.
func (s *Sequencer) Size() int64 { return s.size }

// Count returns the number of chunks accepted so far.
func (s *Sequencer) Count() int { return s.next }

// Assembler reassembles an ordered chunk stream back into the original
// byte buffer, rejecting out-of-order or gapped delivery.
type Assembler struct {
	seq Sequencer
	buf bytes.Buffer
}

// Push appends the next chunk in sequence.
func (a *Assembler) Push(c Chunk) error {
	if err := a.seq.Check(c); err != nil {
		return err
	}
	_, _ = a.buf.Write(c.Data)
	return nil
}

// Completed reports whether the final chunk has been pushed.
func (a *Assembler) Completed() bool { return a.seq.Completed() }

// Bytes returns the reassembled buffer. It fails unless the stream
// completed with its end-of-stream chunk.
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.seq.Completed() {
		return nil, Error.New("stream incomplete: %d chunks, no end of stream", a.seq.Count())
	}
	return a.buf.Bytes(), nil
}
