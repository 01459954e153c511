// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package s3store implements the write side of the engine capability
// interface against S3-compatible object storage, so large objects can be
// diverted out of the relational target into a bucket.
package s3store

import (
	"context"
	"io"

	minio "github.com/minio/minio-go"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/TheWiseCoder/dbrief/pkg/chunk"
	"github.com/TheWiseCoder/dbrief/pkg/engine"
)

var (
	mon = monkit.Package()

	// Error is the s3store error class.
	Error = errs.Class("s3store error")
)

// Config holds the connection parameters for one S3-compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
}

// Store is a write-only large-object target backed by one bucket.
type Store struct {
	log    *zap.Logger
	client *minio.Client
	bucket string
}

// New dials the endpoint and ensures the configured bucket exists.
func New(log *zap.Logger, config Config) (*Store, error) {
	client, err := minio.New(config.Endpoint, config.AccessKey, config.SecretKey, config.UseSSL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	exists, err := client.BucketExists(config.Bucket)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !exists {
		if err := client.MakeBucket(config.Bucket, config.Region); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return &Store{log: log, client: client, bucket: config.Bucket}, nil
}

// NewWriter opens a streaming writer for the object at key. declared is the
// total expected size, or engine.LengthUnknown. metadata is stored as user
// tags on the object.
func (s *Store) NewWriter(ctx context.Context, key string, declared int64, metadata map[string]string) engine.ObjectWriter {
	pr, pw := io.Pipe()
	w := &writer{
		store: s,
		key:   key,
		pw:    pw,
		done:  make(chan error, 1),
	}

	size := declared
	if size == engine.LengthUnknown {
		// unknown size forces multipart buffering inside the client
		size = -1
	}

	go func() {
		_, err := s.client.PutObjectWithContext(ctx, s.bucket, key, pr, size,
			minio.PutObjectOptions{UserMetadata: metadata})
		// unblock a writer stuck in pw.Write when the upload dies early
		_ = pr.CloseWithError(err)
		w.done <- err
	}()

	return w
}

// Remove deletes the object at key, used to discard partial state before a
// whole-transfer retry.
func (s *Store) Remove(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(s.client.RemoveObject(s.bucket, key))
}

// Exists reports whether an object is present at key.
func (s *Store) Exists(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = s.client.StatObject(s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}

type writer struct {
	store  *Store
	key    string
	pw     *io.PipeWriter
	done   chan error
	seq    chunk.Sequencer
	closed bool
}

func (w *writer) Write(ctx context.Context, c chunk.Chunk) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	if err := w.seq.Check(c); err != nil {
		return err
	}
	if _, err := w.pw.Write(c.Data); err != nil {
		return engine.ErrTargetWrite.Wrap(err)
	}
	return nil
}

func (w *writer) Commit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	w.closed = true

	if !w.seq.Completed() {
		_ = w.pw.CloseWithError(chunk.Error.New("commit before end of stream"))
		<-w.done
		return chunk.Error.New("commit before end of stream")
	}
	if err := w.pw.Close(); err != nil {
		return engine.ErrTargetWrite.Wrap(err)
	}
	if err := <-w.done; err != nil {
		return engine.ErrTargetWrite.Wrap(err)
	}
	return nil
}

func (w *writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true

	_ = w.pw.CloseWithError(Error.New("upload aborted"))
	<-w.done

	// best effort removal in case the client completed a partial upload
	if err := w.store.client.RemoveObject(w.store.bucket, w.key); err != nil {
		w.store.log.Debug("abort cleanup failed",
			zap.String("key", w.key), zap.Error(err))
	}
	return nil
}
