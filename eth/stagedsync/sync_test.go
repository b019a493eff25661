package stagedsync

import (
	"context"
	"testing"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
	"github.com/silkworm-labs/stagedsync/kv"
	"github.com/silkworm-labs/stagedsync/kv/memdb"
)

func discardLogger() log.Logger { return log.New() }

// countingDB wraps a kv.RwDB and counts every Commit() call across both
// BeginRw-style and Update-style transactions, so tests can assert on
// the pipeline's commit-batching behavior directly (spec §8 testable
// property: commit batching).
type countingDB struct {
	kv.RwDB
	commits int
}

func (c *countingDB) BeginRw(ctx context.Context) (kv.RwTx, error) {
	tx, err := c.RwDB.BeginRw(ctx)
	if err != nil {
		return nil, err
	}
	return &countingTx{RwTx: tx, db: c}, nil
}

type countingTx struct {
	kv.RwTx
	db *countingDB
}

func (t *countingTx) Commit() error {
	if err := t.RwTx.Commit(); err != nil {
		return err
	}
	t.db.commits++
	return nil
}

// batchStage builds a single stage that advances from its current
// progress towards target in increments of at most batch per Execute
// call, reporting done=true exactly in the call that reaches target.
func batchStage(id stages.SyncStage, target uint64, batch uint64) *Stage {
	return &Stage{
		ID:          id,
		Description: "test batch stage",
		Execute: func(_ context.Context, _ kv.RwTx, in StageInput) (ExecOutput, error) {
			next := in.StageProgress + batch
			if next > target {
				next = target
			}
			return Progress(next, next == target), nil
		},
		Unwind: NopUnwind,
		Prune:  NopPrune,
	}
}

func TestCommitBatchingMatchesCeilDivision(t *testing.T) {
	db := &countingDB{RwDB: memdb.New(t)}
	cfg := Config{MinProgressToCommitAfterStage: 1024, ExitAfterSync: true}
	sync, err := New(cfg, []*Stage{batchStage(stages.Headers, 5000, 1024)}, discardLogger())
	require.NoError(t, err)

	advanced, err := sync.Run(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), advanced)
	require.Equal(t, 5, db.commits) // ceil(5000/1024) = 5
}

func TestCleanImportReachesTarget(t *testing.T) {
	db := memdb.New(t)
	cfg := Config{MinProgressToCommitAfterStage: 100, ExitAfterSync: true}
	sync, err := New(cfg, []*Stage{
		batchStage(stages.Headers, 1000, 500),
		batchStage(stages.Bodies, 1000, 500),
	}, discardLogger())
	require.NoError(t, err)

	_, err = sync.Run(context.Background(), db)
	require.NoError(t, err)

	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		h, err := stages.GetStageProgress(tx, stages.Headers)
		require.NoError(t, err)
		require.Equal(t, uint64(1000), h)
		b, err := stages.GetStageProgress(tx, stages.Bodies)
		require.NoError(t, err)
		require.Equal(t, uint64(1000), b)
		return nil
	}))
}

func TestIdempotentRerunOnUpToDateDB(t *testing.T) {
	db := memdb.New(t)
	cfg := Config{MinProgressToCommitAfterStage: 100, ExitAfterSync: true}
	sync, err := New(cfg, []*Stage{batchStage(stages.Headers, 200, 200)}, discardLogger())
	require.NoError(t, err)

	first, err := sync.Run(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, uint64(200), first)

	second, err := sync.Run(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, uint64(0), second)
}

// divergingStage simulates ErigonImport's behavior: it advances normally
// up to divergeAt, then requests an unwind to divergeAt-1 exactly once.
func divergingStage(id stages.SyncStage, target, divergeAt uint64) *Stage {
	triggered := false
	return &Stage{
		ID: id,
		Execute: func(_ context.Context, _ kv.RwTx, in StageInput) (ExecOutput, error) {
			if in.StageProgress >= divergeAt && !triggered {
				triggered = true
				return Unwind(divergeAt - 1), nil
			}
			next := in.StageProgress + 100
			if next > target {
				next = target
			}
			return Progress(next, next == target), nil
		},
		Unwind: NopUnwind,
		Prune:  NopPrune,
	}
}

func TestDivergenceTriggersUnwind(t *testing.T) {
	db := memdb.New(t)
	cfg := Config{MinProgressToCommitAfterStage: 1000, ExitAfterSync: true}
	sync, err := New(cfg, []*Stage{divergingStage(stages.Headers, 500, 300)}, discardLogger())
	require.NoError(t, err)

	_, err = sync.Run(context.Background(), db)
	require.NoError(t, err)

	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		progress, err := stages.GetStageProgress(tx, stages.Headers)
		require.NoError(t, err)
		require.Equal(t, uint64(500), progress)
		unwoundTo, ok, err := stages.GetStageUnwind(tx, stages.Headers)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(299), unwoundTo)
		return nil
	}))
}

func TestUnwindPastGenesisIsFatal(t *testing.T) {
	db := memdb.New(t)
	stage := &Stage{
		ID: stages.Headers,
		Execute: func(_ context.Context, _ kv.RwTx, in StageInput) (ExecOutput, error) {
			return ExecOutput{}, UnwindPastGenesis(stages.Headers)
		},
		Unwind: NopUnwind,
		Prune:  NopPrune,
	}
	cfg := Config{ExitAfterSync: true}
	sync, err := New(cfg, []*Stage{stage}, discardLogger())
	require.NoError(t, err)

	_, err = sync.Run(context.Background(), db)
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestPruningHonorsDepth(t *testing.T) {
	db := memdb.New(t)
	var prunedTo uint64
	var pruneCalls int
	stage := &Stage{
		ID: stages.Headers,
		Execute: func(_ context.Context, _ kv.RwTx, in StageInput) (ExecOutput, error) {
			return Progress(1000, true), nil
		},
		Unwind: NopUnwind,
		Prune: func(_ context.Context, _ kv.RwTx, in PruneState) error {
			pruneCalls++
			prunedTo = in.PruneTo
			return nil
		},
	}
	cfg := Config{
		MinProgressToCommitAfterStage: 1000,
		PruneEnabled:                  true,
		PruningInterval:               1,
		PruneDepth:                    128,
		ExitAfterSync:                 true,
	}
	sync, err := New(cfg, []*Stage{stage}, discardLogger())
	require.NoError(t, err)

	_, err = sync.Run(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, 1, pruneCalls)
	require.Equal(t, uint64(1000-128), prunedTo)
}

func TestDuplicateStageIDRejected(t *testing.T) {
	s := &Stage{ID: stages.Headers, Execute: batchStage(stages.Headers, 1, 1).Execute}
	_, err := New(Config{}, []*Stage{s, s}, discardLogger())
	require.Error(t, err)
}
