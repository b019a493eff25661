// Package erigonimport provides the alternate-source stages that
// replace P2P header/body download when a foreign compatible database
// is configured (spec §4.5). The foreign database is read through the
// same kv.RoDB contract and the same rawdb table layout as the local
// store, so "translation" is really just re-keying the transaction
// sequence — the one thing the source numbers independently.
package erigonimport

import (
	"context"

	"github.com/silkworm-labs/stagedsync/core/rawdb"
	"github.com/silkworm-labs/stagedsync/core/types"
	"github.com/silkworm-labs/stagedsync/kv"
)

// Source wraps a foreign-database handle. It is held open for the
// lifetime of the pipeline run and read via short-lived read-only
// transactions, never written to.
type Source struct {
	db kv.RoDB
}

func NewSource(db kv.RoDB) *Source { return &Source{db: db} }

func (s *Source) Close() { s.db.Close() }

// CanonicalHeaderAt reads the source's canonical hash and header at num,
// or (zero Hash, nil header, nil err) if none exists yet.
func (s *Source) CanonicalHeaderAt(ctx context.Context, num types.BlockNumber) (types.Hash, *types.Header, error) {
	var hash types.Hash
	var header *types.Header
	err := s.db.View(ctx, func(tx kv.Tx) error {
		h, err := rawdb.ReadCanonicalHash(tx, num)
		if err != nil {
			return err
		}
		hash = h
		if hash.IsZero() {
			return nil
		}
		header, err = rawdb.ReadHeader(tx, num, hash)
		return err
	})
	return hash, header, err
}

// BodyAt reads the source's body stride for (num, hash).
func (s *Source) BodyAt(ctx context.Context, num types.BlockNumber, hash types.Hash) (*types.Body, error) {
	var body *types.Body
	err := s.db.View(ctx, func(tx kv.Tx) error {
		b, err := rawdb.ReadBody(tx, num, hash)
		body = b
		return err
	})
	return body, err
}

// Transactions reads exactly body.TxAmount transactions from the source's
// transaction table beginning at body.BaseTxID. A short read (fewer rows
// than TxAmount) is reported via types.ErrShortRead.
func (s *Source) Transactions(ctx context.Context, body *types.Body) ([]*types.Transaction, error) {
	out := make([]*types.Transaction, 0, body.TxAmount)
	err := s.db.View(ctx, func(tx kv.Tx) error {
		for i := uint32(0); i < body.TxAmount; i++ {
			txn, err := rawdb.ReadTransaction(tx, body.BaseTxID+uint64(i))
			if err != nil {
				return err
			}
			if txn == nil {
				return types.ErrShortRead
			}
			out = append(out, txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
