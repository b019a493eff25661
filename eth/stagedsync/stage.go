package stagedsync

import (
	"context"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
	"github.com/silkworm-labs/stagedsync/kv"
)

// StageInput is handed to every Stage.Execute call (spec §3).
type StageInput struct {
	PreviousStage   *PreviousStageProgress
	StageProgress   uint64
	HasStageProgress bool
	Restarted       bool
	Logger          log.Logger
}

// PreviousStageProgress records the id and progress of the stage
// preceding this one in pipeline order. For the first stage it is nil
// when no max block is configured (unbounded), and otherwise carries an
// empty ID with Progress set to the configured max block.
type PreviousStageProgress struct {
	ID       stages.SyncStage
	Progress uint64
}

// ExecOutput is the tagged result of Stage.Execute: either forward
// Progress or a request to Unwind. Exactly one of the two is
// meaningful, selected by IsUnwind.
type ExecOutput struct {
	IsUnwind bool

	// Progress fields.
	StageProgress uint64
	Done          bool

	// Unwind fields.
	UnwindTo uint64
}

// Progress builds a forward-progress result.
func Progress(stageProgress uint64, done bool) ExecOutput {
	return ExecOutput{StageProgress: stageProgress, Done: done}
}

// Unwind builds an unwind-request result.
func Unwind(unwindTo uint64) ExecOutput {
	return ExecOutput{IsUnwind: true, UnwindTo: unwindTo}
}

// UnwindState is handed to Stage.Unwind.
type UnwindState struct {
	UnwindTo      uint64
	StageProgress uint64
	Logger        log.Logger
}

// UnwindOutput is Stage.Unwind's result.
type UnwindOutput struct {
	StageProgress uint64
}

// PruneState is handed to Stage.Prune.
type PruneState struct {
	PruneTo uint64
	Logger  log.Logger
}

// Stage is the uniform unit of pipeline work (spec §4.1). A stage MUST
// NOT commit (the pipeline owns the transaction) and MUST be
// re-entrant: calling Execute again with the same StageInput is valid.
type Stage struct {
	ID          stages.SyncStage
	Description string

	Execute func(ctx context.Context, tx kv.RwTx, in StageInput) (ExecOutput, error)
	Unwind  func(ctx context.Context, tx kv.RwTx, in UnwindState) (UnwindOutput, error)
	Prune   func(ctx context.Context, tx kv.RwTx, in PruneState) error
}

// NopUnwind removes nothing; suitable for stages with no owned tables.
func NopUnwind(_ context.Context, _ kv.RwTx, in UnwindState) (UnwindOutput, error) {
	return UnwindOutput{StageProgress: in.UnwindTo}, nil
}

// NopPrune drops nothing; the default when a stage declares no prune
// policy (spec §4.1: "Optional; default no-op").
func NopPrune(_ context.Context, _ kv.RwTx, _ PruneState) error { return nil }
