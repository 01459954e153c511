// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package journal persists transfer outcomes and streaming offset
// checkpoints in a local bolt database, so the HTTP surface can report on
// past and in-flight transfers across restarts.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the journal error class.
	Error = errs.Class("journal error")
)

var (
	transfersBucket = []byte("transfers")
	offsetsBucket   = []byte("offsets")
)

const (
	defaultTimeout = 1 * time.Second

	// fileMode sets permissions so only the owner can read and write
	fileMode = 0600
)

// Record is one transfer outcome.
type Record struct {
	Session   string    `json:"session"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	State     string    `json:"state"`
	Bytes     int64     `json:"bytes"`
	Offset    int64     `json:"offset"`
	ErrorKind string    `json:"error-kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated-at"`
}

// Journal is a bolt-backed transfer journal.
type Journal struct {
	log *zap.Logger
	db  *bolt.DB
}

// New opens or creates the journal database at path.
func New(log *zap.Logger, path string) (*Journal, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(transfersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(offsetsBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &Journal{log: log, db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return Error.Wrap(j.db.Close()) }

// Put stores or replaces the record for one session/source pair.
func (j *Journal) Put(rec Record) error {
	rec.UpdatedAt = time.Now().UTC()
	value, err := json.Marshal(rec)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).Put(recordKey(rec.Session, rec.Source), value)
	}))
}

// List returns all records for a session, or every record when session is
// empty, in key order.
func (j *Journal) List(session string) (records []Record, err error) {
	prefix := []byte(nil)
	if session != "" {
		prefix = []byte(session + "/")
	}

	err = j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(transfersBucket).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return records, nil
}

// Checkpoint stores the byte offset a streaming transfer has reached.
func (j *Journal) Checkpoint(session, source string, offset int64) error {
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(offset))
	return Error.Wrap(j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(offsetsBucket).Put(recordKey(session, source), value[:])
	}))
}

// Offset returns the last checkpointed offset, or zero when none exists.
func (j *Journal) Offset(session, source string) (offset int64, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(offsetsBucket).Get(recordKey(session, source))
		if value != nil {
			offset = int64(binary.BigEndian.Uint64(value))
		}
		return nil
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return offset, nil
}

// ClearCheckpoint removes the offset checkpoint for one session/source pair.
func (j *Journal) ClearCheckpoint(session, source string) error {
	return Error.Wrap(j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(offsetsBucket).Delete(recordKey(session, source))
	}))
}

func recordKey(session, source string) []byte {
	return []byte(session + "/" + source)
}
