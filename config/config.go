// Package config defines the flat configuration struct and the
// urfave/cli/v2 flags that populate it, covering every key in the
// Configuration table (spec §6).
package config

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/urfave/cli/v2"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync"
)

// Config is the process-wide configuration, built once at startup from
// CLI flags and held immutable for the life of the run.
type Config struct {
	Datadir       string
	ErigonDatadir string // foreign compatible database; empty disables ErigonImport

	Chain string // chain spec name, e.g. "mainnet"

	MaxBlock    uint64
	HasMaxBlock bool

	Prune      bool
	Increment  uint64 // PruneDepth
	PruneEvery uint64 // PruningInterval

	SenderRecoveryBatchSize   datasize.ByteSize
	ExecutionBatchSize        datasize.ByteSize
	ExecutionHistoryBatchSize datasize.ByteSize
	ExecutionExitAfterBatch   bool
	SkipCommitment            bool

	// CommitAfterBlocks is the pipeline's MinProgressToCommitAfterStage
	// (spec §6): blocks advanced, not bytes — distinct from the
	// byte-sized execution/senders batch knobs above.
	CommitAfterBlocks uint64

	ExitAfterSync  bool
	DelayAfterSync time.Duration
}

var (
	DatadirFlag = &cli.StringFlag{Name: "datadir", Usage: "data directory for the local store", Value: "./data"}

	ErigonDatadirFlag = &cli.StringFlag{Name: "erigon.datadir", Usage: "path to a foreign compatible database to import from (spec §4.5); empty disables ErigonImport"}

	ChainFlag = &cli.StringFlag{Name: "chain", Usage: "chain spec name", Value: "mainnet"}

	MaxBlockFlag = &cli.Uint64Flag{Name: "max-block", Usage: "stop the first stage at this block number; 0 means unbounded"}

	PruneFlag      = &cli.BoolFlag{Name: "prune", Usage: "enable pruning"}
	IncrementFlag  = &cli.Uint64Flag{Name: "prune.increment", Usage: "blocks of history to retain behind the tip", Value: 90_000}
	PruneEveryFlag = &cli.Uint64Flag{Name: "prune.every", Usage: "run the prune phase every N pipeline passes", Value: 1}

	SenderRecoveryBatchSizeFlag   = &cli.StringFlag{Name: "batchsize.senders", Value: "256MB"}
	ExecutionBatchSizeFlag        = &cli.StringFlag{Name: "batchsize.execution", Value: "512MB"}
	ExecutionHistoryBatchSizeFlag = &cli.StringFlag{Name: "batchsize.execution-history", Value: "256MB"}
	ExecutionExitAfterBatchFlag   = &cli.BoolFlag{Name: "execution.exitafterbatch"}
	SkipCommitmentFlag            = &cli.BoolFlag{Name: "skip-commitment", Usage: "skip state-trie commitment (out of scope here regardless)"}

	CommitAfterBlocksFlag = &cli.Uint64Flag{Name: "commit.blocks", Usage: "commit once a stage advances by at least this many blocks", Value: 1024}

	ExitAfterSyncFlag  = &cli.BoolFlag{Name: "exit-after-sync"}
	DelayAfterSyncFlag = &cli.DurationFlag{Name: "delay-after-sync", Value: 0}
)

// Flags is the full flag set cmd/integration registers on its app.
var Flags = []cli.Flag{
	DatadirFlag, ErigonDatadirFlag, ChainFlag, MaxBlockFlag,
	PruneFlag, IncrementFlag, PruneEveryFlag,
	SenderRecoveryBatchSizeFlag, ExecutionBatchSizeFlag, ExecutionHistoryBatchSizeFlag,
	ExecutionExitAfterBatchFlag, SkipCommitmentFlag, CommitAfterBlocksFlag,
	ExitAfterSyncFlag, DelayAfterSyncFlag,
}

// FromCLI reads Config out of a populated cli.Context.
func FromCLI(ctx *cli.Context) (Config, error) {
	var cfg Config
	cfg.Datadir = ctx.String(DatadirFlag.Name)
	cfg.ErigonDatadir = ctx.String(ErigonDatadirFlag.Name)
	cfg.Chain = ctx.String(ChainFlag.Name)

	if mb := ctx.Uint64(MaxBlockFlag.Name); mb > 0 {
		cfg.MaxBlock = mb
		cfg.HasMaxBlock = true
	}

	cfg.Prune = ctx.Bool(PruneFlag.Name)
	cfg.Increment = ctx.Uint64(IncrementFlag.Name)
	cfg.PruneEvery = ctx.Uint64(PruneEveryFlag.Name)

	var err error
	if cfg.SenderRecoveryBatchSize, err = parseSize(ctx.String(SenderRecoveryBatchSizeFlag.Name)); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionBatchSize, err = parseSize(ctx.String(ExecutionBatchSizeFlag.Name)); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionHistoryBatchSize, err = parseSize(ctx.String(ExecutionHistoryBatchSizeFlag.Name)); err != nil {
		return Config{}, err
	}
	cfg.ExecutionExitAfterBatch = ctx.Bool(ExecutionExitAfterBatchFlag.Name)
	cfg.SkipCommitment = ctx.Bool(SkipCommitmentFlag.Name)
	cfg.CommitAfterBlocks = ctx.Uint64(CommitAfterBlocksFlag.Name)

	cfg.ExitAfterSync = ctx.Bool(ExitAfterSyncFlag.Name)
	cfg.DelayAfterSync = ctx.Duration(DelayAfterSyncFlag.Name)

	return cfg, nil
}

func parseSize(s string) (datasize.ByteSize, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}
	return v, nil
}

// PipelineConfig projects Config onto the subset eth/stagedsync.Sync
// consumes.
func (c Config) PipelineConfig() stagedsync.Config {
	return stagedsync.Config{
		MinProgressToCommitAfterStage: c.CommitAfterBlocks,
		PruningInterval:                c.PruneEvery,
		PruneEnabled:                   c.Prune,
		PruneDepth:                     c.Increment,
		MaxBlock:                       c.MaxBlock,
		HasMaxBlock:                    c.HasMaxBlock,
		ExitAfterSync:                  c.ExitAfterSync,
		DelayAfterSync:                 c.DelayAfterSync,
	}
}
