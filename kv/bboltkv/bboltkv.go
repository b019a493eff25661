// Package bboltkv implements the kv.RwDB contract on top of
// go.etcd.io/bbolt. bbolt provides exactly the primitives §6 requires
// from the embedded store — an ordered B+tree per bucket, cursors, and
// single-writer ACID transactions — without the cgo toolchain that the
// teacher's actual mdbx-go engine needs (see DESIGN.md).
package bboltkv

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/silkworm-labs/stagedsync/kv"
)

type DB struct {
	bolt *bbolt.DB
}

func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bboltkv: open %s: %w", path, err)
	}
	return &DB{bolt: b}, nil
}

func (db *DB) Close() {
	_ = db.bolt.Close()
}

func (db *DB) View(_ context.Context, f func(tx kv.Tx) error) error {
	return db.bolt.View(func(btx *bbolt.Tx) error {
		return f(&roTx{btx})
	})
}

func (db *DB) Update(_ context.Context, f func(tx kv.RwTx) error) error {
	return db.bolt.Update(func(btx *bbolt.Tx) error {
		return f(&rwTx{roTx{btx}})
	})
}

// BeginRw opens a long-lived writable transaction the caller explicitly
// commits or rolls back. Only one may be open at a time, matching the
// pipeline's "exactly one writable transaction" invariant.
func (db *DB) BeginRw(_ context.Context) (kv.RwTx, error) {
	btx, err := db.bolt.Begin(true)
	if err != nil {
		return nil, err
	}
	return &rwTx{roTx{btx}}, nil
}

type roTx struct{ t *bbolt.Tx }

func (tx *roTx) GetOne(table kv.Table, key []byte) ([]byte, error) {
	b := tx.t.Bucket([]byte(table))
	if b == nil {
		return nil, nil
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (tx *roTx) Cursor(table kv.Table) (kv.Cursor, error) {
	b := tx.t.Bucket([]byte(table))
	if b == nil {
		return &emptyCursor{}, nil
	}
	return &cursor{c: b.Cursor()}, nil
}

func (tx *roTx) ForEach(table kv.Table, from []byte, walker func(k, v []byte) error) error {
	b := tx.t.Bucket([]byte(table))
	if b == nil {
		return nil
	}
	c := b.Cursor()
	var k, v []byte
	if from == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(from)
	}
	for ; k != nil; k, v = c.Next() {
		if err := walker(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (tx *roTx) Rollback() { _ = tx.t.Rollback() }

type rwTx struct{ roTx }

func (tx *rwTx) Put(table kv.Table, key, value []byte) error {
	b, err := tx.t.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (tx *rwTx) Delete(table kv.Table, key []byte) error {
	b := tx.t.Bucket([]byte(table))
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

func (tx *rwTx) RwCursor(table kv.Table) (kv.RwCursor, error) {
	b, err := tx.t.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return nil, err
	}
	return &cursor{c: b.Cursor(), b: b}, nil
}

func (tx *rwTx) Commit() error { return tx.t.Commit() }

type cursor struct {
	c *bbolt.Cursor
	b *bbolt.Bucket
}

func (cur *cursor) First() ([]byte, []byte, error) { k, v := cur.c.First(); return k, v, nil }
func (cur *cursor) Next() ([]byte, []byte, error)   { k, v := cur.c.Next(); return k, v, nil }
func (cur *cursor) Last() ([]byte, []byte, error)   { k, v := cur.c.Last(); return k, v, nil }
func (cur *cursor) Seek(seek []byte) ([]byte, []byte, error) {
	k, v := cur.c.Seek(seek)
	return k, v, nil
}
func (cur *cursor) SeekExact(key []byte) ([]byte, []byte, error) {
	k, v := cur.c.Seek(key)
	if k == nil || string(k) != string(key) {
		return nil, nil, nil
	}
	return k, v, nil
}
func (cur *cursor) Close() {}

// Append requires ascending keys; bbolt's Put works for any key order but
// the spec's append-in-key-order optimization is a contract on the
// CALLER, so we check it explicitly and fail hard on violation.
func (cur *cursor) Append(key, value []byte) error {
	if cur.b == nil {
		return fmt.Errorf("bboltkv: append on read-only cursor")
	}
	lastK, _ := cur.c.Last()
	if lastK != nil && string(key) <= string(lastK) {
		return fmt.Errorf("bboltkv: append out of order: %x <= %x", key, lastK)
	}
	return cur.b.Put(key, value)
}

func (cur *cursor) Put(key, value []byte) error {
	if cur.b == nil {
		return fmt.Errorf("bboltkv: put on read-only cursor")
	}
	return cur.b.Put(key, value)
}

func (cur *cursor) DeleteCurrent() error {
	if cur.b == nil {
		return fmt.Errorf("bboltkv: delete on read-only cursor")
	}
	return cur.c.Delete()
}

type emptyCursor struct{}

func (emptyCursor) First() ([]byte, []byte, error)           { return nil, nil, nil }
func (emptyCursor) Next() ([]byte, []byte, error)            { return nil, nil, nil }
func (emptyCursor) Last() ([]byte, []byte, error)            { return nil, nil, nil }
func (emptyCursor) Seek(_ []byte) ([]byte, []byte, error)     { return nil, nil, nil }
func (emptyCursor) SeekExact(_ []byte) ([]byte, []byte, error) { return nil, nil, nil }
func (emptyCursor) Close()                                    {}

var _ kv.RwDB = (*DB)(nil)
