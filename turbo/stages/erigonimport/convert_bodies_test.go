package erigonimport

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/silkworm-labs/stagedsync/core/rawdb"
	"github.com/silkworm-labs/stagedsync/core/types"
	"github.com/silkworm-labs/stagedsync/eth/stagedsync"
	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
	"github.com/silkworm-labs/stagedsync/kv"
	"github.com/silkworm-labs/stagedsync/kv/memdb"
)

// seedForeignBodies writes headers 1..n plus a body of txPerBlock
// transactions for each, into db.
func seedForeignBodies(t *testing.T, db kv.RwDB, n int, txPerBlock int) []types.Hash {
	t.Helper()
	hashes := make([]types.Hash, n+1)
	require.NoError(t, db.Update(context.Background(), func(tx kv.RwTx) error {
		var parent types.Hash
		var nextTxID uint64
		txCur, err := tx.RwCursor(rawdb.EthTx)
		if err != nil {
			return err
		}
		defer txCur.Close()

		for i := 1; i <= n; i++ {
			h := &types.Header{
				ParentHash: parent,
				Number:     types.BlockNumber(i),
				Time:       uint64(1_700_000_000 + i),
				GasLimit:   30_000_000,
				Difficulty: uint256.NewInt(1),
			}
			h.HashPrepare()
			hash := h.Hash()
			if err := rawdb.WriteCanonicalHash(tx, h.Number, hash); err != nil {
				return err
			}
			if err := rawdb.WriteHeader(tx, h); err != nil {
				return err
			}

			base := nextTxID
			for j := 0; j < txPerBlock; j++ {
				txn := &types.Transaction{Nonce: uint64(j), GasLimit: 21000}
				if err := rawdb.AppendTransaction(txCur, nextTxID, txn); err != nil {
					return err
				}
				nextTxID++
			}
			body := &types.Body{BaseTxID: base, TxAmount: uint32(txPerBlock)}
			if err := rawdb.WriteBody(tx, h.Number, hash, body); err != nil {
				return err
			}

			hashes[i] = hash
			parent = hash
		}
		return rawdb.WriteNextTxID(tx, nextTxID)
	}))
	return hashes
}

// seedLocalHeaders copies just the canonical-hash/header chain (no
// bodies) into the local db, as ConvertHeaders would have left it.
func seedLocalHeaders(t *testing.T, local kv.RwDB, hashes []types.Hash, upTo int) {
	t.Helper()
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		var parent types.Hash
		for i := 1; i <= upTo; i++ {
			h := &types.Header{
				ParentHash: parent,
				Number:     types.BlockNumber(i),
				Time:       uint64(1_700_000_000 + i),
				GasLimit:   30_000_000,
				Difficulty: uint256.NewInt(1),
			}
			h.HashPrepare()
			hash := h.Hash()
			require.Equal(t, hashes[i], hash)
			if err := rawdb.WriteCanonicalHash(tx, h.Number, hash); err != nil {
				return err
			}
			if err := rawdb.WriteHeader(tx, h); err != nil {
				return err
			}
			parent = hash
		}
		return nil
	}))
}

func TestConvertBodiesCleanImport(t *testing.T) {
	foreign := memdb.New(t)
	hashes := seedForeignBodies(t, foreign, 5, 3)
	source := NewSource(foreign)

	local := memdb.New(t)
	seedLocalHeaders(t, local, hashes, 5)

	cb := NewConvertBodies(source)
	stage := cb.Stage()

	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		in := stagedsync.StageInput{PreviousStage: &stagedsync.PreviousStageProgress{ID: stages.Headers, Progress: 5}}
		out, err := stage.Execute(context.Background(), tx, in)
		require.NoError(t, err)
		require.False(t, out.IsUnwind)
		require.True(t, out.Done)
		require.Equal(t, uint64(5), out.StageProgress)
		return nil
	}))

	require.NoError(t, local.View(context.Background(), func(tx kv.Tx) error {
		body, err := rawdb.ReadBody(tx, 5, hashes[5])
		require.NoError(t, err)
		require.NotNil(t, body)
		require.Equal(t, uint32(3), body.TxAmount)
		return nil
	}))
}

func TestConvertBodiesIdempotentRerun(t *testing.T) {
	foreign := memdb.New(t)
	hashes := seedForeignBodies(t, foreign, 3, 2)
	source := NewSource(foreign)

	local := memdb.New(t)
	seedLocalHeaders(t, local, hashes, 3)

	cb := NewConvertBodies(source)
	stage := cb.Stage()

	in := stagedsync.StageInput{PreviousStage: &stagedsync.PreviousStageProgress{ID: stages.Headers, Progress: 3}}
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		_, err := stage.Execute(context.Background(), tx, in)
		return err
	}))

	in.StageProgress = 3
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		out, err := stage.Execute(context.Background(), tx, in)
		require.NoError(t, err)
		require.Equal(t, uint64(3), out.StageProgress)
		require.True(t, out.Done)
		return nil
	}))
}

func TestConvertBodiesShortReadTriggersUnwind(t *testing.T) {
	foreign := memdb.New(t)
	hashes := seedForeignBodies(t, foreign, 5, 2)

	// Truncate the foreign EthTx table so block 3's second transaction
	// is missing, simulating a gap in the foreign store.
	require.NoError(t, foreign.Update(context.Background(), func(tx kv.RwTx) error {
		body, err := rawdb.ReadBody(tx, 3, hashes[3])
		require.NoError(t, err)
		return tx.Delete(rawdb.EthTx, rawdb.NumKey(types.BlockNumber(body.BaseTxID+1)))
	}))

	source := NewSource(foreign)
	local := memdb.New(t)
	seedLocalHeaders(t, local, hashes, 5)

	cb := NewConvertBodies(source)
	stage := cb.Stage()

	in := stagedsync.StageInput{PreviousStage: &stagedsync.PreviousStageProgress{ID: stages.Headers, Progress: 5}}
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		out, err := stage.Execute(context.Background(), tx, in)
		require.NoError(t, err)
		require.True(t, out.IsUnwind)
		require.Equal(t, uint64(2), out.UnwindTo)
		return nil
	}))
}

func TestConvertBodiesAlreadyCaughtUp(t *testing.T) {
	local := memdb.New(t)
	cb := NewConvertBodies(NewSource(memdb.New(t)))
	stage := cb.Stage()

	in := stagedsync.StageInput{
		StageProgress: 5,
		PreviousStage: &stagedsync.PreviousStageProgress{ID: stages.Headers, Progress: 5},
	}
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		out, err := stage.Execute(context.Background(), tx, in)
		require.NoError(t, err)
		require.Equal(t, uint64(5), out.StageProgress)
		require.True(t, out.Done)
		return nil
	}))
}
