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

// seedForeignChain writes n headers (numbered 1..n) into db, chained by
// parent hash, and returns their hashes in order.
func seedForeignChain(t *testing.T, db kv.RwDB, n int) []types.Hash {
	t.Helper()
	hashes := make([]types.Hash, n+1)
	require.NoError(t, db.Update(context.Background(), func(tx kv.RwTx) error {
		var parent types.Hash
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
			hashes[i] = hash
			parent = hash
		}
		return nil
	}))
	return hashes
}

func TestConvertHeadersCleanImport(t *testing.T) {
	foreign := memdb.New(t)
	seedForeignChain(t, foreign, 10)
	source := NewSource(foreign)

	local := memdb.New(t)
	ch := NewConvertHeaders(source)
	stage := ch.Stage()

	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		out, err := stage.Execute(context.Background(), tx, stagedsync.StageInput{})
		require.NoError(t, err)
		require.False(t, out.IsUnwind)
		require.Equal(t, uint64(10), out.StageProgress)
		require.True(t, out.Done)
		return nil
	}))

	require.NoError(t, local.View(context.Background(), func(tx kv.Tx) error {
		hash, err := rawdb.ReadCanonicalHash(tx, 10)
		require.NoError(t, err)
		require.False(t, hash.IsZero())
		return nil
	}))
}

func TestConvertHeadersIdempotentRerun(t *testing.T) {
	foreign := memdb.New(t)
	seedForeignChain(t, foreign, 5)
	source := NewSource(foreign)

	local := memdb.New(t)
	ch := NewConvertHeaders(source)
	stage := ch.Stage()

	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		_, err := stage.Execute(context.Background(), tx, stagedsync.StageInput{})
		return err
	}))

	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		out, err := stage.Execute(context.Background(), tx, stagedsync.StageInput{StageProgress: 5})
		require.NoError(t, err)
		require.False(t, out.IsUnwind)
		require.Equal(t, uint64(5), out.StageProgress)
		return nil
	}))
}

func TestConvertHeadersDivergenceTriggersUnwind(t *testing.T) {
	foreignA := memdb.New(t)
	seedForeignChain(t, foreignA, 5)

	local := memdb.New(t)
	ch := NewConvertHeaders(NewSource(foreignA))
	stage := ch.Stage()
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		_, err := stage.Execute(context.Background(), tx, stagedsync.StageInput{})
		return err
	}))

	// A second, divergent foreign chain: same height, different hashes
	// from block 1 onward (different Time value re-chains the hashes).
	foreignB := memdb.New(t)
	require.NoError(t, foreignB.Update(context.Background(), func(tx kv.RwTx) error {
		var parent types.Hash
		for i := 1; i <= 5; i++ {
			h := &types.Header{
				ParentHash: parent,
				Number:     types.BlockNumber(i),
				Time:       uint64(1_800_000_000 + i), // diverges from foreignA
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
			parent = hash
		}
		return nil
	}))

	ch2 := NewConvertHeaders(NewSource(foreignB))
	stage2 := ch2.Stage()
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		out, err := stage2.Execute(context.Background(), tx, stagedsync.StageInput{StageProgress: 5})
		require.NoError(t, err)
		require.True(t, out.IsUnwind)
		require.Equal(t, uint64(4), out.UnwindTo)
		return nil
	}))
}

func TestConvertHeadersUnwindPastGenesisFatal(t *testing.T) {
	foreignA := memdb.New(t)
	seedForeignChain(t, foreignA, 1)
	local := memdb.New(t)
	ch := NewConvertHeaders(NewSource(foreignA))
	stage := ch.Stage()
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		_, err := stage.Execute(context.Background(), tx, stagedsync.StageInput{})
		return err
	}))

	foreignB := memdb.New(t)
	require.NoError(t, foreignB.Update(context.Background(), func(tx kv.RwTx) error {
		h := &types.Header{Number: 1, Time: 999, GasLimit: 30_000_000, Difficulty: uint256.NewInt(1)}
		h.HashPrepare()
		if err := rawdb.WriteCanonicalHash(tx, 1, h.Hash()); err != nil {
			return err
		}
		return rawdb.WriteHeader(tx, h)
	}))

	ch2 := NewConvertHeaders(NewSource(foreignB))
	stage2 := ch2.Stage()
	require.NoError(t, local.Update(context.Background(), func(tx kv.RwTx) error {
		_, err := stage2.Execute(context.Background(), tx, stagedsync.StageInput{StageProgress: 1})
		require.Error(t, err)
		require.True(t, stagedsync.IsFatal(err))
		return nil
	}))
}

var _ = stages.Headers // keep stages import used if trimmed above
