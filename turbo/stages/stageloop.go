// Package stages assembles the default stage list and drives the
// continuous staged-sync loop around eth/stagedsync.Sync, the way
// turbo/stages/stageloop.go drives the teacher's Sync.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync"
	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
	"github.com/silkworm-labs/stagedsync/kv"
	"github.com/silkworm-labs/stagedsync/turbo/stages/erigonimport"
	"github.com/silkworm-labs/stagedsync/turbo/stages/headerdownload"
)

const (
	headersPlaceholderID = stages.Headers
	blockHashesID         = stages.BlockHashes
	bodiesPlaceholderID   = stages.Bodies
	sendersID             = stages.Senders
	executionID           = stages.Execution
	hashStateID           = stages.HashState
	intermediateHashesID  = stages.IntermediateHashes
	historyID             = stages.History
	finishID              = stages.Finish
)

// placeholderStage is a documented no-op for a stage outside this
// module's scope (spec §1): it owns no tables and reports the larger of
// its own and its predecessor's progress with done=true, so the
// pipeline's stage list matches a full client's shape without
// pretending to implement what it doesn't.
func placeholderStage(id stages.SyncStage, why string) *stagedsync.Stage {
	return &stagedsync.Stage{
		ID:          id,
		Description: why,
		Execute: func(_ context.Context, _ kv.RwTx, in stagedsync.StageInput) (stagedsync.ExecOutput, error) {
			progress := in.StageProgress
			if in.PreviousStage != nil && in.PreviousStage.Progress > progress {
				progress = in.PreviousStage.Progress
			}
			return stagedsync.Progress(progress, true), nil
		},
		Unwind: stagedsync.NopUnwind,
		Prune:  stagedsync.NopPrune,
	}
}

// Sources bundles the optional alternate-source stages (spec §4.5). Nil
// fields fall back to the no-op placeholder for that stage.
type Sources struct {
	Erigon *erigonimport.Source
}

// DefaultStages assembles the full pipeline in spec §1's order. Stages
// outside this spec's scope (sender recovery, EVM execution, trie
// hashing, history indexing) are wired as documented no-ops so the
// pipeline shape matches a full client's while this module only
// implements header/body sync, verification and pruning.
func DefaultStages(vs *headerdownload.VerifySlicesStage, stop <-chan struct{}, src Sources) []*stagedsync.Stage {
	out := []*stagedsync.Stage{}

	if src.Erigon != nil {
		out = append(out, erigonimport.NewConvertHeaders(src.Erigon).Stage())
	} else {
		out = append(out, placeholderStage(headersPlaceholderID, "P2P header download is out of scope; configure an ErigonImport source"))
	}

	out = append(out, stagedsync.StageVerifySlices(vs, stop))
	out = append(out, placeholderStage(blockHashesID, "block-hash index is out of scope"))

	if src.Erigon != nil {
		out = append(out, erigonimport.NewConvertBodies(src.Erigon).Stage())
	} else {
		out = append(out, placeholderStage(bodiesPlaceholderID, "P2P body download is out of scope; configure an ErigonImport source"))
	}

	out = append(out,
		placeholderStage(sendersID, "sender recovery is out of scope"),
		placeholderStage(executionID, "EVM execution is out of scope"),
		placeholderStage(hashStateID, "state trie hashing is out of scope"),
		placeholderStage(intermediateHashesID, "intermediate trie hashing is out of scope"),
		placeholderStage(historyID, "history indexing is out of scope"),
		placeholderStage(finishID, "finish is a bookkeeping no-op here"),
	)
	return out
}

// StageLoop runs sync.Run in a tight loop, recovering from any panic a
// stage raises so the process can still report a clean non-zero exit
// instead of crashing (spec §7's Invariant-violation handling).
func StageLoop(ctx context.Context, db kv.RwDB, sync *stagedsync.Sync, logger log.Logger) error {
	for {
		if err := stageLoopIteration(ctx, db, sync, logger); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func stageLoopIteration(ctx context.Context, db kv.RwDB, sync *stagedsync.Sync, logger log.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage loop: panic: %v", rec)
		}
	}()

	start := time.Now()
	advanced, runErr := sync.Run(ctx, db)
	if runErr != nil {
		if stagedsync.IsFatal(runErr) {
			return runErr
		}
		logger.Error("staged sync pass failed", "err", runErr)
		time.Sleep(500 * time.Millisecond)
		return nil
	}
	logger.Info("staged sync pass complete", "advanced", advanced, "took", time.Since(start))
	return nil
}
