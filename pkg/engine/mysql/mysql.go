// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package mysql implements the engine capability interface for MySQL and
// MariaDB. Reads page through SUBSTRING; streaming writes append with
// CONCAT under one transaction.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/TheWiseCoder/dbrief/pkg/chunk"
	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

var (
	mon = monkit.Package()

	// Error is the mysql engine error class.
	Error = errs.Class("mysql error")
)

// Options tune per-instance behavior.
type Options struct {
	StreamThreshold int64
}

// Engine is a configured MySQL instance.
type Engine struct {
	log  *zap.Logger
	name string
	dsn  string
	opts Options
}

// NewEngine creates a mysql engine instance from a driver DSN. The DSN
// should set clientFoundRows=true so update counts report matched rows.
func NewEngine(log *zap.Logger, name, dsn string, opts Options) *Engine {
	return &Engine{log: log, name: name, dsn: dsn, opts: opts}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return e.name }

// Kind implements engine.Engine.
func (e *Engine) Kind() logical.Engine { return logical.MySQL }

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context) (_ engine.Conn, err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := sql.Open("mysql", e.dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &conn{log: e.log.Named(e.name), db: db, opts: e.opts}, nil
}

type conn struct {
	log  *zap.Logger
	db   *sql.DB
	opts Options
}

func (c *conn) Close() error { return Error.Wrap(c.db.Close()) }

func (c *conn) NativeType(ctx context.Context, loc engine.Location) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var native string
	if loc.Schema == "" {
		q := `
			SELECT data_type FROM information_schema.columns
				WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?
		`
		err = c.db.QueryRowContext(ctx, q, loc.Table, loc.Column).Scan(&native)
	} else {
		q := `
			SELECT data_type FROM information_schema.columns
				WHERE table_schema = ? AND table_name = ? AND column_name = ?
		`
		err = c.db.QueryRowContext(ctx, q, loc.Schema, loc.Table, loc.Column).Scan(&native)
	}
	if err == sql.ErrNoRows {
		return "", Error.New("no such column %s", loc)
	}
	if err != nil {
		return "", Error.Wrap(err)
	}
	return native, nil
}

func (c *conn) Length(ctx context.Context, loc engine.Location, typ logical.Type) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	// text lengths are counted in characters, the unit SUBSTRING pages
	// text values in
	lengthFn := "OCTET_LENGTH"
	if typ == logical.Text {
		lengthFn = "CHAR_LENGTH"
	}
	where, args := whereClause(loc.Key)
	q := fmt.Sprintf(`SELECT %s(%s) FROM %s WHERE %s`,
		lengthFn, quoteIdent(loc.Column), tableName(loc), where)

	var length sql.NullInt64
	err = c.db.QueryRowContext(ctx, q, args...).Scan(&length)
	if err == sql.ErrNoRows {
		return 0, engine.ErrSourceMissing.New("%s", loc)
	}
	if err != nil {
		return 0, engine.ErrSourceRead.Wrap(err)
	}
	return length.Int64, nil
}

func (c *conn) ListLocations(ctx context.Context, schema, table, column string, keyColumns []string, limit, offset int) (_ []engine.Location, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keyColumns) == 0 {
		return nil, Error.New("key columns are required to address rows of %s", table)
	}

	base := engine.Location{Schema: schema, Table: table, Column: column}
	quoted := make([]string, len(keyColumns))
	for i, name := range keyColumns {
		quoted[i] = quoteIdent(name)
	}
	keyList := strings.Join(quoted, ", ")

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY %s`,
		keyList, tableName(base), quoteIdent(column), keyList)
	switch {
	case limit > 0:
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case offset > 0:
		// OFFSET needs a LIMIT; the documented idiom for "no bound"
		q += fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", offset)
	}

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, engine.ErrSourceRead.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	return scanLocations(rows, base, keyColumns)
}

func scanLocations(rows *sql.Rows, base engine.Location, keyColumns []string) ([]engine.Location, error) {
	var locations []engine.Location
	for rows.Next() {
		values := make([]interface{}, len(keyColumns))
		scan := make([]interface{}, len(keyColumns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, engine.ErrSourceRead.Wrap(err)
		}
		key := engine.Key{}
		for i, name := range keyColumns {
			key[name] = keyValue(values[i])
		}
		locations = append(locations, engine.Location{
			Schema: base.Schema, Table: base.Table, Column: base.Column, Key: key,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, engine.ErrSourceRead.Wrap(err)
	}
	return locations, nil
}

func keyValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// units measures data in the column's transfer units: characters for text,
// bytes for everything else.
func units(typ logical.Type, data []byte) int64 {
	if typ == logical.Text {
		return int64(utf8.RuneCount(data))
	}
	return int64(len(data))
}

// payload picks the bind representation: text values bind as strings so
// CONCAT stays in the column's character set.
func payload(typ logical.Type, data []byte) interface{} {
	if typ == logical.Text {
		return string(data)
	}
	return data
}

func (c *conn) NewReader(ctx context.Context, loc engine.Location, typ logical.Type, chunkSize int) (_ engine.ObjectReader, err error) {
	defer mon.Task()(&ctx)(&err)

	if chunkSize <= 0 {
		return nil, Error.New("invalid chunk size %d", chunkSize)
	}
	length, err := c.Length(ctx, loc, typ)
	if err != nil {
		return nil, err
	}
	return &reader{conn: c, loc: loc, typ: typ, chunkSize: chunkSize, length: length}, nil
}

func (c *conn) NewWriter(ctx context.Context, loc engine.Location, typ logical.Type, declared, streamThreshold int64) (_ engine.ObjectWriter, err error) {
	defer mon.Task()(&ctx)(&err)

	if !typ.IsLOB() {
		return nil, logical.ErrTypeMismatch.New("mysql writer supports LOB types, got %s", typ)
	}
	threshold := c.opts.StreamThreshold
	if streamThreshold > 0 {
		threshold = streamThreshold
	}
	if engine.WholeValue(declared, threshold) {
		return &wholeWriter{conn: c, loc: loc, typ: typ}, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, engine.ErrTargetWrite.Wrap(err)
	}
	return &streamWriter{conn: c, loc: loc, typ: typ, tx: tx}, nil
}

type reader struct {
	conn      *conn
	loc       engine.Location
	typ       logical.Type
	chunkSize int
	length    int64
	offset    int64
	seq       int
	done      bool
}

func (r *reader) Next(ctx context.Context) (_ chunk.Chunk, err error) {
	defer mon.Task()(&ctx)(&err)

	if r.done {
		return chunk.Chunk{}, engine.ErrSourceRead.New("read past end of %s", r.loc)
	}
	if r.length == 0 {
		r.done = true
		return chunk.Chunk{Seq: 0, Last: true}, nil
	}

	want := int64(r.chunkSize)
	if remaining := r.length - r.offset; remaining < want {
		want = remaining
	}

	where, args := whereClause(r.loc.Key)
	// SUBSTRING takes a 1-based offset
	q := fmt.Sprintf(`SELECT SUBSTRING(%s, ?, ?) FROM %s WHERE %s`,
		quoteIdent(r.loc.Column), tableName(r.loc), where)

	var data []byte
	err = r.conn.db.QueryRowContext(ctx, q, append([]interface{}{r.offset + 1, want}, args...)...).Scan(&data)
	if err == sql.ErrNoRows {
		return chunk.Chunk{}, engine.ErrSourceMissing.New("%s", r.loc)
	}
	if err != nil {
		return chunk.Chunk{}, engine.ErrSourceRead.Wrap(err)
	}
	got := units(r.typ, data)
	if got != want {
		return chunk.Chunk{}, engine.ErrSourceRead.New(
			"%s truncated mid-read: wanted %d at offset %d, got %d",
			r.loc, want, r.offset, got)
	}

	c := chunk.Chunk{Seq: r.seq, Data: data}
	r.seq++
	r.offset += got
	if r.offset >= r.length {
		c.Last = true
		r.done = true
	}
	return c, nil
}

func (r *reader) Close() error { return nil }

type wholeWriter struct {
	conn      *conn
	loc       engine.Location
	typ       logical.Type
	assembler chunk.Assembler
	closed    bool
}

func (w *wholeWriter) Write(ctx context.Context, c chunk.Chunk) error {
	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	return w.assembler.Push(c)
}

func (w *wholeWriter) Commit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	w.closed = true

	buf, err := w.assembler.Bytes()
	if err != nil {
		return err
	}
	where, args := whereClause(w.loc.Key)
	q := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s`,
		tableName(w.loc), quoteIdent(w.loc.Column), where)

	return execOne(ctx, w.conn.db, w.loc, q, append([]interface{}{payload(w.typ, buf)}, args...)...)
}

func (w *wholeWriter) Abort() error {
	w.closed = true
	return nil
}

type streamWriter struct {
	conn   *conn
	loc    engine.Location
	typ    logical.Type
	tx     *sql.Tx
	seq    chunk.Sequencer
	closed bool
}

func (w *streamWriter) Write(ctx context.Context, c chunk.Chunk) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	if err := w.seq.Check(c); err != nil {
		return err
	}

	column := quoteIdent(w.loc.Column)
	where, args := whereClause(w.loc.Key)

	var q string
	if c.Seq == 0 {
		q = fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s`, tableName(w.loc), column, where)
	} else {
		q = fmt.Sprintf(`UPDATE %s SET %s = CONCAT(%s, ?) WHERE %s`, tableName(w.loc), column, column, where)
	}
	return execOne(ctx, w.tx, w.loc, q, append([]interface{}{payload(w.typ, c.Data)}, args...)...)
}

func (w *streamWriter) Commit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if w.closed {
		return engine.ErrTargetWrite.New("writer closed")
	}
	w.closed = true

	if !w.seq.Completed() {
		return errs.Combine(
			chunk.Error.New("commit before end of stream"),
			w.tx.Rollback())
	}
	if err := w.tx.Commit(); err != nil {
		return engine.ErrTargetWrite.Wrap(err)
	}
	return nil
}

func (w *streamWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return engine.ErrTargetWrite.Wrap(w.tx.Rollback())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func execOne(ctx context.Context, db execer, loc engine.Location, query string, args ...interface{}) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return engine.ErrTargetWrite.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return engine.ErrTargetWrite.Wrap(err)
	}
	if affected != 1 {
		return engine.ErrTargetWrite.New("expected to update 1 row at %s, updated %d", loc, affected)
	}
	return nil
}

func quoteIdent(name string) string {
	return "`" + strings.Replace(name, "`", "``", -1) + "`"
}

func tableName(loc engine.Location) string {
	if loc.Schema == "" {
		return quoteIdent(loc.Table)
	}
	return quoteIdent(loc.Schema) + "." + quoteIdent(loc.Table)
}

func whereClause(key engine.Key) (string, []interface{}) {
	conds := make([]string, 0, len(key))
	args := make([]interface{}, 0, len(key))
	for _, column := range key.Columns() {
		conds = append(conds, quoteIdent(column)+" = ?")
		args = append(args, key[column])
	}
	return strings.Join(conds, " AND "), args
}
