// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package transfer

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/journal"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
	"github.com/TheWiseCoder/dbrief/pkg/s3store"
)

var mon = monkit.Package()

// Coordinator owns transfer sessions end to end: it opens the connection
// pair, front-loads the type compatibility check, drives reader chunks
// into the writer in lock-step, and is the sole decision point for retry
// versus terminal failure.
type Coordinator struct {
	log      *zap.Logger
	mapper   *logical.Mapper
	registry *engine.Registry
	config   Config

	objects *s3store.Store
	records *journal.Journal

	sem chan struct{}
}

// NewCoordinator creates a coordinator over the given engine registry.
func NewCoordinator(log *zap.Logger, mapper *logical.Mapper, registry *engine.Registry, config Config) *Coordinator {
	config = config.withDefaults()
	return &Coordinator{
		log:      log,
		mapper:   mapper,
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrent),
	}
}

// SetObjectStore enables object-store targets.
func (c *Coordinator) SetObjectStore(store *s3store.Store) { c.objects = store }

// SetJournal enables persistent transfer records and offset checkpoints.
func (c *Coordinator) SetJournal(j *journal.Journal) { c.records = j }

// ListSources expands a table's large-object column into one source handle
// per row holding a non-NULL value, addressed by the named key columns.
// limit and offset carve incremental windows out of large tables.
func (c *Coordinator) ListSources(ctx context.Context, engineName, schema, table, column string, keyColumns []string, limit, offset int) (handles []ObjectHandle, err error) {
	defer mon.Task()(&ctx)(&err)

	sourceEngine, err := c.registry.Lookup(engineName)
	if err != nil {
		return nil, err
	}
	conn, err := sourceEngine.Open(ctx)
	if err != nil {
		return nil, engine.ErrSourceRead.Wrap(err)
	}
	defer func() { err = errs.Combine(err, conn.Close()) }()

	locations, err := conn.ListLocations(ctx, schema, table, column, keyColumns, limit, offset)
	if err != nil {
		return nil, err
	}
	for _, loc := range locations {
		handles = append(handles, ObjectHandle{
			Engine:   engineName,
			Location: loc,
			Length:   engine.LengthUnknown,
		})
	}
	return handles, nil
}

// Transfer performs one transfer and always returns a definitive Result.
// Retryable failures restart the whole transfer, with the target's partial
// state discarded first, up to the configured retry bound.
func (c *Coordinator) Transfer(ctx context.Context, req Request) (result Result) {
	var err error
	defer mon.Task()(&ctx)(&err)

	config := c.config
	if req.Config != nil {
		config = req.Config.withDefaults()
		// the worker pool is sized once at startup; per-session bounds
		// are enforced by the caller on top of it
		config.MaxConcurrent = c.config.MaxConcurrent
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		result = Result{State: Failed, Kind: KindCancelled, Err: ctx.Err(), Attempts: 0}
		err = result.Err
		return result
	}

	log := c.log.With(
		zap.String("session", req.Session),
		zap.Stringer("source", req.Source),
		zap.Stringer("target", req.Target))
	log.Info("transfer started", zap.Int("chunk-size", config.ChunkSize))

	for attempt := 1; ; attempt++ {
		result = c.attempt(ctx, log, config, req)
		result.Attempts = attempt

		if result.State == Committed {
			log.Info("transfer committed",
				zap.Int64("bytes", result.Bytes),
				zap.Int("attempts", attempt))
			break
		}
		if ctx.Err() != nil {
			result.Kind = KindCancelled
			result.Err = errs.Combine(ctx.Err(), result.Err)
			log.Info("transfer cancelled", zap.Int64("offset", result.Offset))
			break
		}
		if !result.Kind.Retryable() || attempt > config.MaxRetries {
			log.Warn("transfer failed",
				zap.Stringer("kind", result.Kind),
				zap.Int64("offset", result.Offset),
				zap.Int("attempts", attempt),
				zap.Error(result.Err))
			break
		}
		log.Info("retrying transfer",
			zap.Stringer("kind", result.Kind),
			zap.Int64("offset", result.Offset),
			zap.Int("attempt", attempt))
	}

	c.record(req, result)
	err = result.Err
	return result
}

// attempt runs one full pass of the session state machine. Every failure
// path leaves the target in its pre-write or abandoned state, never in a
// truncated-but-visible one.
func (c *Coordinator) attempt(ctx context.Context, log *zap.Logger, config Config, req Request) Result {
	fail := func(offset int64, err error) Result {
		return Result{State: Failed, Kind: classify(err), Offset: offset, Err: err}
	}

	sourceEngine, err := c.registry.Lookup(req.Source.Engine)
	if err != nil {
		return fail(0, err)
	}

	sourceConn, err := sourceEngine.Open(ctx)
	if err != nil {
		return fail(0, engine.ErrSourceRead.Wrap(err))
	}
	defer func() {
		if err := sourceConn.Close(); err != nil {
			log.Debug("source close failed", zap.Error(err))
		}
	}()

	sourceNative, err := sourceConn.NativeType(ctx, req.Source.Location)
	if err != nil {
		return fail(0, err)
	}
	sourceType, err := c.mapper.Resolve(sourceEngine.Kind(), sourceNative)
	if err != nil {
		// an unmapped source type fails before the target is ever opened
		return fail(0, err)
	}

	newWriter, closeTarget, err := c.prepareTarget(ctx, req, sourceType, config)
	if err != nil {
		return fail(0, err)
	}
	defer closeTarget()

	log.Debug("types checked",
		zap.String("source-native", sourceNative),
		zap.Stringer("logical", sourceType))

	length, err := sourceConn.Length(ctx, req.Source.Location, sourceType)
	if err != nil {
		return fail(0, err)
	}
	reader, err := sourceConn.NewReader(ctx, req.Source.Location, sourceType, config.ChunkSize)
	if err != nil {
		return fail(0, err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Debug("reader close failed", zap.Error(err))
		}
	}()

	writer, err := newWriter(length)
	if err != nil {
		return fail(0, err)
	}

	var offset int64
	for {
		// cancellation is honored between chunks, before each call
		if err := ctx.Err(); err != nil {
			return abort(writer, fail(offset, err))
		}
		cur, err := reader.Next(ctx)
		if err != nil {
			return abort(writer, fail(offset, err))
		}

		if err := ctx.Err(); err != nil {
			return abort(writer, fail(offset, err))
		}
		if err := writer.Write(ctx, cur); err != nil {
			return abort(writer, fail(offset, err))
		}

		offset += int64(cur.Len())
		c.checkpoint(req, offset)

		if cur.Last {
			break
		}
	}

	if err := writer.Commit(ctx); err != nil {
		// a failed commit discards the staged write like any other failure
		return abort(writer, fail(offset, err))
	}
	return Result{State: Committed, Bytes: offset, Offset: offset}
}

// prepareTarget resolves the target side of the type check and returns a
// writer factory. The target connection is only opened once the source
// type has resolved.
func (c *Coordinator) prepareTarget(ctx context.Context, req Request, sourceType logical.Type, config Config) (newWriter func(length int64) (engine.ObjectWriter, error), closeTarget func(), err error) {
	if req.Target.IsObjectStore() {
		if c.objects == nil {
			return nil, nil, Error.New("no object store configured")
		}
		if !sourceType.IsLOB() {
			return nil, nil, logical.ErrTypeMismatch.New("object store accepts LOB types, got %s", sourceType)
		}
		key := s3store.ObjectKey(req.Source.Location, req.Target.ObjectName)
		return func(length int64) (engine.ObjectWriter, error) {
			return c.objects.NewWriter(ctx, key, length, req.Target.Metadata), nil
		}, func() {}, nil
	}

	targetEngine, err := c.registry.Lookup(req.Target.Engine)
	if err != nil {
		return nil, nil, err
	}
	targetConn, err := targetEngine.Open(ctx)
	if err != nil {
		return nil, nil, engine.ErrTargetWrite.Wrap(err)
	}

	targetNative, err := targetConn.NativeType(ctx, req.Target.Location)
	if err != nil {
		_ = targetConn.Close()
		return nil, nil, err
	}
	targetType, err := c.mapper.Resolve(targetEngine.Kind(), targetNative)
	if err != nil {
		_ = targetConn.Close()
		return nil, nil, err
	}
	if !logical.Compatible(sourceType, targetType) {
		_ = targetConn.Close()
		return nil, nil, logical.ErrTypeMismatch.New("cannot write %s into %s at %s",
			sourceType, targetType, req.Target)
	}

	return func(length int64) (engine.ObjectWriter, error) {
			return targetConn.NewWriter(ctx, req.Target.Location, targetType, length, config.StreamThreshold)
		}, func() {
			_ = targetConn.Close()
		}, nil
}

func abort(writer engine.ObjectWriter, result Result) Result {
	if err := writer.Abort(); err != nil {
		result.Err = errs.Combine(result.Err, err)
	}
	return result
}

func (c *Coordinator) checkpoint(req Request, offset int64) {
	if c.records == nil {
		return
	}
	if err := c.records.Checkpoint(req.Session, req.Source.String(), offset); err != nil {
		c.log.Debug("checkpoint failed", zap.Error(err))
	}
}

func (c *Coordinator) record(req Request, result Result) {
	if c.records == nil {
		return
	}

	rec := journal.Record{
		Session:  req.Session,
		Source:   req.Source.String(),
		Target:   req.Target.String(),
		State:    result.State.String(),
		Bytes:    result.Bytes,
		Offset:   result.Offset,
		Attempts: result.Attempts,
	}
	if result.Err != nil {
		rec.ErrorKind = result.Kind.String()
		rec.Error = result.Err.Error()
	}
	if err := c.records.Put(rec); err != nil {
		c.log.Warn("journal record failed", zap.Error(err))
	}
	if result.State == Committed {
		if err := c.records.ClearCheckpoint(req.Session, req.Source.String()); err != nil {
			c.log.Debug("checkpoint clear failed", zap.Error(err))
		}
	}
}
