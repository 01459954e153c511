// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package logical defines the engine-independent type vocabulary and the
// per-engine native type tables used to validate a transfer before any
// bytes are moved.
package logical

import (
	"strings"

	"github.com/zeebo/errs"
)

var (
	// ErrUnmappedType means a native column type has no table entry.
	// This is a configuration fault and is never retried.
	ErrUnmappedType = errs.Class("unmapped type")

	// ErrTypeMismatch means source and target logical types cannot be
	// paired. Surfaced before any I/O, never retried.
	ErrTypeMismatch = errs.Class("type mismatch")
)

// Engine identifies a database engine family.
type Engine string

// Supported engine families.
const (
	Oracle    Engine = "oracle"
	Postgres  Engine = "postgres"
	SQLServer Engine = "sqlserver"
	MySQL     Engine = "mysql"
	SQLite    Engine = "sqlite"
)

// Type is an engine-independent classification of a column's data shape.
type Type int

// The shared type vocabulary. Every native column type used in a transfer
// resolves to exactly one of these.
const (
	Invalid Type = iota
	Binary       // large binary object (BLOB, BYTEA, VARBINARY(MAX))
	Text         // large character object (CLOB, TEXT, NTEXT)
	String       // bounded character data
	Integer
	Decimal
	Float
	Timestamp
	Date
	Boolean
	UUID
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Binary:
		return "binary"
	case Text:
		return "text"
	case String:
		return "string"
	case Integer:
		return "integer"
	case Decimal:
		return "decimal"
	case Float:
		return "float"
	case Timestamp:
		return "timestamp"
	case Date:
		return "date"
	case Boolean:
		return "boolean"
	case UUID:
		return "uuid"
	default:
		return "invalid"
	}
}

// IsLOB reports whether values of this type are streamed in chunks rather
// than bound as plain row values.
func (t Type) IsLOB() bool { return t == Binary || t == Text }

// Compatible reports whether a source value of type source may be written
// into a target column of type target. Text may be widened into Binary;
// nothing is ever narrowed.
func Compatible(source, target Type) bool {
	if source == Invalid || target == Invalid {
		return false
	}
	if source == target {
		return true
	}
	return source == Text && target == Binary
}

// Mapper resolves native column type names to logical types. The tables are
// explicit enumerations maintained per engine; adding an engine means adding
// its table, not new transfer logic.
type Mapper struct {
	tables map[Engine]map[string]Type
}

// NewMapper returns a Mapper loaded with the built-in engine tables.
func NewMapper() *Mapper {
	return &Mapper{tables: map[Engine]map[string]Type{
		Oracle:    oracleTypes,
		Postgres:  postgresTypes,
		SQLServer: sqlserverTypes,
		MySQL:     mysqlTypes,
		SQLite:    sqliteTypes,
	}}
}

// Resolve maps a native type name on the given engine to its logical type.
func (m *Mapper) Resolve(engine Engine, native string) (Type, error) {
	table, ok := m.tables[engine]
	if !ok {
		return Invalid, ErrUnmappedType.New("unknown engine %q", engine)
	}
	typ, ok := table[Normalize(native)]
	if !ok {
		return Invalid, ErrUnmappedType.New("engine %q has no mapping for native type %q", engine, native)
	}
	return typ, nil
}

// Check resolves both sides of a transfer and verifies the pairing. Returns
// the resolved source and target types.
func (m *Mapper) Check(sourceEngine Engine, sourceNative string, targetEngine Engine, targetNative string) (source, target Type, err error) {
	source, err = m.Resolve(sourceEngine, sourceNative)
	if err != nil {
		return Invalid, Invalid, err
	}
	target, err = m.Resolve(targetEngine, targetNative)
	if err != nil {
		return Invalid, Invalid, err
	}
	if !Compatible(source, target) {
		return Invalid, Invalid, ErrTypeMismatch.New("cannot write %s (%s %q) into %s (%s %q)",
			source, sourceEngine, sourceNative, target, targetEngine, targetNative)
	}
	return source, target, nil
}

// Normalize canonicalizes a native type name: upper case, size and precision
// qualifiers stripped, interior whitespace collapsed. "varbinary(max)" and
// "VARBINARY" normalize identically.
func Normalize(native string) string {
	s := strings.ToUpper(strings.TrimSpace(native))
	if open := strings.IndexByte(s, '('); open >= 0 {
		if close := strings.IndexByte(s[open:], ')'); close >= 0 {
			s = s[:open] + s[open+close+1:]
		} else {
			s = s[:open]
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
