// Package kv defines the embedded key-value store contract every stage
// is written against: ordered keyed access, cursors, and ACID
// transactions. The store itself is an external collaborator per the
// design (§6) — this package only fixes the interface shape and table
// schema; see kv/bboltkv for the concrete engine.
package kv

import "context"

// Table is a compile-time-known table (bucket) identifier.
type Table string

// Getter is the read side of a transaction: a single get plus cursor
// construction.
type Getter interface {
	GetOne(table Table, key []byte) ([]byte, error)
	Cursor(table Table) (Cursor, error)
}

// Putter is the write side of a transaction.
type Putter interface {
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	RwCursor(table Table) (RwCursor, error)
}

// Tx is a read-only transaction.
type Tx interface {
	Getter
	ForEach(table Table, from []byte, walker func(k, v []byte) error) error
	Rollback()
}

// RwTx is a read-write transaction. It commits atomically or is
// discarded; nothing in between is observable.
type RwTx interface {
	Tx
	Putter
	Commit() error
}

// Cursor walks a table in ascending key order.
type Cursor interface {
	First() (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Last() (k, v []byte, err error)
	SeekExact(key []byte) (k, v []byte, err error)
	Seek(seek []byte) (k, v []byte, err error)
	Close()
}

// RwCursor additionally supports ordered append and in-place deletion.
// Append REQUIRES keys in strictly ascending order; violating this is a
// fatal invariant violation (spec §6).
type RwCursor interface {
	Cursor
	Append(key, value []byte) error
	Put(key, value []byte) error
	DeleteCurrent() error
}

// RoDB is a database handle that only ever opens read-only transactions.
type RoDB interface {
	View(ctx context.Context, f func(tx Tx) error) error
	Close()
}

// RwDB is a database handle that can also open read-write transactions.
// Exactly one writable transaction may be open at a time; the pipeline
// is the sole owner of that invariant at the application layer.
type RwDB interface {
	RoDB
	Update(ctx context.Context, f func(tx RwTx) error) error
	BeginRw(ctx context.Context) (RwTx, error)
}
