// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package oracle implements the engine capability interface for Oracle.
// BLOB/CLOB reads page through DBMS_LOB.SUBSTR; streaming BLOB writes
// append with DBMS_LOB.WRITEAPPEND under one transaction.
package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	_ "gopkg.in/goracle.v2"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/TheWiseCoder/dbrief/pkg/chunk"
	"github.com/TheWiseCoder/dbrief/pkg/engine"
	"github.com/TheWiseCoder/dbrief/pkg/logical"
)

var (
	mon = monkit.Package()

	// Error is the oracle engine error class.
	Error = errs.Class("oracle error")
)

// DBMS_LOB.SUBSTR returns at most RAW(32767) per call, and larger amounts
// come back NULL. CLOB amounts are counted in characters while the
// VARCHAR2 result is still capped at 32767 bytes, so the worst-case
// 4-byte character bounds the safe text amount.
const (
	maxBinaryFetch = 32767
	maxTextFetch   = 8191
)

// substrAmounts plans the per-call amounts needed to assemble want units
// into one chunk without exceeding the SUBSTR buffer caps.
func substrAmounts(typ logical.Type, want int64) []int64 {
	bound := int64(maxBinaryFetch)
	if typ == logical.Text {
		bound = maxTextFetch
	}

	var amounts []int64
	for want > 0 {
		amount := want
		if amount > bound {
			amount = bound
		}
		amounts = append(amounts, amount)
		want -= amount
	}
	return amounts
}

// rawPieces slices data so each piece fits a PL/SQL RAW bind, which caps
// out at the same 32767 bytes as the SUBSTR buffer.
func rawPieces(data []byte) [][]byte {
	var pieces [][]byte
	for int64(len(data)) > maxBinaryFetch {
		pieces = append(pieces, data[:maxBinaryFetch])
		data = data[maxBinaryFetch:]
	}
	return append(pieces, data)
}

// units measures data in the column's transfer units: characters for text,
// bytes for everything else.
func units(typ logical.Type, data []byte) int64 {
	if typ == logical.Text {
		return int64(utf8.RuneCount(data))
	}
	return int64(len(data))
}

// payload picks the bind representation: text values bind as strings.
func payload(typ logical.Type, data []byte) interface{} {
	if typ == logical.Text {
		return string(data)
	}
	return data
}

// Options tune per-instance behavior.
type Options struct {
	StreamThreshold int64
}

// Engine is a configured Oracle instance.
type Engine struct {
	log  *zap.Logger
	name string
	url  string
	opts Options
}

// NewEngine creates an oracle engine instance from a connection URL.
func NewEngine(log *zap.Logger, name, url string, opts Options) *Engine {
	return &Engine{log: log, name: name, url: url, opts: opts}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return e.name }

// Kind implements engine.Engine.
func (e *Engine) Kind() logical.Engine { return logical.Oracle }

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context) (_ engine.Conn, err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := sql.Open("goracle", e.url)
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
		q := `SELECT data_type FROM user_tab_columns WHERE table_name = :1 AND column_name = :2`
		err = c.db.QueryRowContext(ctx, q,
			strings.ToUpper(loc.Table), strings.ToUpper(loc.Column)).Scan(&native)
	} else {
		q := `SELECT data_type FROM all_tab_columns WHERE owner = :1 AND table_name = :2 AND column_name = :3`
		err = c.db.QueryRowContext(ctx, q,
			strings.ToUpper(loc.Schema), strings.ToUpper(loc.Table), strings.ToUpper(loc.Column)).Scan(&native)
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

	// GETLENGTH counts characters on CLOBs and bytes on BLOBs, the same
	// units SUBSTR pages them in
	where, args := whereClause(loc.Key, 1)
	q := fmt.Sprintf(`SELECT DBMS_LOB.GETLENGTH(%s) FROM %s WHERE %s`,
		quoteIdent(loc.Column), tableName(loc), where)

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
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d ROWS", offset)
	}
	if limit > 0 {
		q += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
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
		return nil, logical.ErrTypeMismatch.New("oracle writer supports LOB types, got %s", typ)
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

	// one chunk may take several SUBSTR calls, bounded by the buffer caps
	data := make([]byte, 0, want)
	var fetched int64
	for _, amount := range substrAmounts(r.typ, want) {
		piece, err := r.fetch(ctx, r.offset+fetched+1, amount)
		if err != nil {
			return chunk.Chunk{}, err
		}
		got := units(r.typ, piece)
		if got != amount {
			return chunk.Chunk{}, engine.ErrSourceRead.New(
				"%s truncated mid-read: wanted %d at offset %d, got %d",
				r.loc, amount, r.offset+fetched, got)
		}
		data = append(data, piece...)
		fetched += got
	}

	c := chunk.Chunk{Seq: r.seq, Data: data}
	r.seq++
	r.offset += fetched
	if r.offset >= r.length {
		c.Last = true
		r.done = true
	}
	return c, nil
}

// fetch runs one SUBSTR call. offset is 1-based and counted in the
// column's transfer units.
func (r *reader) fetch(ctx context.Context, offset, amount int64) ([]byte, error) {
	where, args := whereClause(r.loc.Key, 3)
	q := fmt.Sprintf(`SELECT DBMS_LOB.SUBSTR(%s, :1, :2) FROM %s WHERE %s`,
		quoteIdent(r.loc.Column), tableName(r.loc), where)

	var data []byte
	err := r.conn.db.QueryRowContext(ctx, q, append([]interface{}{amount, offset}, args...)...).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, engine.ErrSourceMissing.New("%s", r.loc)
	}
	if err != nil {
		return nil, engine.ErrSourceRead.Wrap(err)
	}
	return data, nil
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
	where, args := whereClause(w.loc.Key, 2)
	q := fmt.Sprintf(`UPDATE %s SET %s = :1 WHERE %s`,
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
	if c.Seq == 0 {
		where, args := whereClause(w.loc.Key, 2)
		q := fmt.Sprintf(`UPDATE %s SET %s = :1 WHERE %s`, tableName(w.loc), column, where)
		return execOne(ctx, w.tx, w.loc, q, append([]interface{}{payload(w.typ, c.Data)}, args...)...)
	}

	if w.typ == logical.Text {
		where, args := whereClause(w.loc.Key, 2)
		q := fmt.Sprintf(`UPDATE %s SET %s = %s || :1 WHERE %s`, tableName(w.loc), column, column, where)
		return execOne(ctx, w.tx, w.loc, q, append([]interface{}{string(c.Data)}, args...)...)
	}

	// append to the locator in place; the row stays locked for the
	// duration of the transaction, and the RAW bind cap slices the chunk
	where, args := whereClause(w.loc.Key, 3)
	block := fmt.Sprintf(`
		DECLARE
			lob_loc BLOB;
		BEGIN
			SELECT %s INTO lob_loc FROM %s WHERE %s FOR UPDATE;
			DBMS_LOB.WRITEAPPEND(lob_loc, :1, :2);
		END;`,
		column, tableName(w.loc), where)

	for _, piece := range rawPieces(c.Data) {
		_, err = w.tx.ExecContext(ctx, block, append([]interface{}{len(piece), piece}, args...)...)
		if err != nil {
			return engine.ErrTargetWrite.Wrap(err)
		}
	}
	return nil
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
	return `"` + strings.Replace(strings.ToUpper(name), `"`, `""`, -1) + `"`
}

func tableName(loc engine.Location) string {
	if loc.Schema == "" {
		return quoteIdent(loc.Table)
	}
	return quoteIdent(loc.Schema) + "." + quoteIdent(loc.Table)
}

func whereClause(key engine.Key, start int) (string, []interface{}) {
	conds := make([]string, 0, len(key))
	args := make([]interface{}, 0, len(key))
	for i, column := range key.Columns() {
		conds = append(conds, fmt.Sprintf("%s = :%d", quoteIdent(column), start+i))
		args = append(args, key[column])
	}
	return strings.Join(conds, " AND "), args
}
