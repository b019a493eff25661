package stagedsync

import (
	"context"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
	"github.com/silkworm-labs/stagedsync/kv"
	"github.com/silkworm-labs/stagedsync/turbo/stages/headerdownload"
)

// StageVerifySlices adapts a headerdownload.VerifySlicesStage to the
// Stage contract. It owns no DB tables of its own — HeaderSlices lives
// in memory, and in the ErigonImport path nothing ever populates it —
// so it is a pass-through: StageProgress tracks the imported header
// height, carried forward from Headers exactly like a placeholder
// stage, so the chain behind it (BlockHashes, Bodies, ...) still sees
// the real height even when there is nothing in-memory to verify.
//
// Per the resolved open question (SPEC_FULL.md), the Stage-contract
// Execute never blocks: if CanProceed() is false it returns
// Progress{max(own, prev), done:true} immediately rather than waiting.
func StageVerifySlices(vs *headerdownload.VerifySlicesStage, stop <-chan struct{}) *Stage {
	return &Stage{
		ID:          stages.HeadersVerify,
		Description: "Verify downloaded header slices in parallel",
		Execute: func(ctx context.Context, tx kv.RwTx, in StageInput) (ExecOutput, error) {
			progress := in.StageProgress
			if in.PreviousStage != nil && in.PreviousStage.Progress > progress {
				progress = in.PreviousStage.Progress
			}
			if !vs.CanProceed() {
				return Progress(progress, true), nil
			}
			if err := vs.Execute(ctx, stop); err != nil {
				return ExecOutput{}, err
			}
			return Progress(progress, true), nil
		},
		Unwind: NopUnwind,
		Prune:  NopPrune,
	}
}
