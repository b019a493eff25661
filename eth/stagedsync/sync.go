package stagedsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
	"github.com/silkworm-labs/stagedsync/kv"
)

// Config bundles the Pipeline-level knobs from spec §4.2 and §6.
type Config struct {
	// MinProgressToCommitAfterStage: commit once a stage has advanced by
	// at least this many blocks (or whenever done=false).
	MinProgressToCommitAfterStage uint64
	// PruningInterval: run the prune phase only every Nth pass.
	PruningInterval uint64
	PruneEnabled    bool
	// PruneDepth: prune_to = progress - PruneDepth for each stage.
	PruneDepth     uint64
	MaxBlock       uint64
	HasMaxBlock    bool
	ExitAfterSync  bool
	DelayAfterSync time.Duration
}

// Sync is the staged-sync orchestrator (the "Pipeline" of spec §4.2): an
// ordered list of stages driven over a shared embedded database.
type Sync struct {
	cfg    Config
	stages []*Stage
	logger log.Logger

	iteration    uint64
	prevUnwindPt *uint64
	timings      []stageTiming
}

type stageTiming struct {
	stage stages.SyncStage
	took  time.Duration
}

// New constructs a Sync. Stage IDs must be unique; this is checked here
// because "uniqueness is an invariant of the pipeline" (spec §4.1).
func New(cfg Config, stageList []*Stage, logger log.Logger) (*Sync, error) {
	seen := map[stages.SyncStage]bool{}
	for _, s := range stageList {
		if seen[s.ID] {
			return nil, fmt.Errorf("stagedsync: duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return &Sync{cfg: cfg, stages: stageList, logger: logger}, nil
}

func (s *Sync) PrevUnwindPoint() *uint64 { return s.prevUnwindPt }

// fatalErr marks an invariant violation (spec §7): non-monotone
// progress, unwind past genesis. The process should abort on this.
type fatalErr struct{ msg string }

func (e *fatalErr) Error() string { return e.msg }

func isFatal(err error) bool {
	var fe *fatalErr
	return errors.As(err, &fe)
}

// Run drives one or more passes of the main loop (spec §4.2 step 1-3)
// until a pass in which every stage reports done=true (then it returns
// if ExitAfterSync is set, else sleeps DelayAfterSync and goes on), or
// ctx is canceled. It returns the blocks advanced across the whole run,
// summed over all stages, mirroring erigon's Sync.Run return convention.
func (s *Sync) Run(ctx context.Context, db kv.RwDB) (uint64, error) {
	var totalAdvanced uint64
	for {
		advanced, allStagesDone, unwoundTo, err := s.runOnePass(ctx, db)
		if err != nil {
			return totalAdvanced, err
		}
		totalAdvanced += advanced
		s.iteration++

		if unwoundTo != nil {
			s.prevUnwindPt = unwoundTo
			continue // resume from step 1 per spec §4.2 step 3
		}

		if err := s.maybePrune(ctx, db); err != nil {
			return totalAdvanced, err
		}

		allDone := allStagesDone
		if allDone && s.cfg.ExitAfterSync {
			return totalAdvanced, nil
		}
		if allDone {
			select {
			case <-ctx.Done():
				return totalAdvanced, ctx.Err()
			case <-time.After(s.cfg.DelayAfterSync):
			}
			continue
		}
		// still making progress; loop immediately.
		if ctx.Err() != nil {
			return totalAdvanced, ctx.Err()
		}
	}
}

// runOnePass executes spec §4.2 steps 1-3 once. It returns the total
// blocks advanced across all stages in this pass, whether every stage
// reported done=true (the signal Run uses to decide the pass loop is
// caught up, distinct from advanced==0 — a stage can finish a large
// catch-up and report done=true in the very pass that does it), and
// non-nil unwoundTo if an unwind phase ran (the caller should resume
// from step 1).
func (s *Sync) runOnePass(ctx context.Context, db kv.RwDB) (advanced uint64, allStagesDone bool, unwoundTo *uint64, err error) {
	s.timings = s.timings[:0]
	tx, err := db.BeginRw(ctx)
	if err != nil {
		return 0, false, nil, err
	}
	defer tx.Rollback()

	allStagesDone = true
	txCommitted := false
	var unwindTargets []uint64
	for i, stage := range s.stages {
		prevProgress, prevStageInfo, err := s.stageInput(tx, i)
		if err != nil {
			return advanced, false, nil, err
		}
		in := StageInput{
			PreviousStage:    prevStageInfo,
			StageProgress:    prevProgress.progress,
			HasStageProgress: prevProgress.has,
			Restarted:        s.iteration == 0,
			Logger:           newStageLogger(s.logger, i, len(s.stages), stage.ID),
		}

		start := time.Now()
		out, err := stage.Execute(ctx, tx, in)
		s.timings = append(s.timings, stageTiming{stage: stage.ID, took: time.Since(start)})
		if err != nil {
			return advanced, false, nil, fmt.Errorf("stage %s: %w", stage.ID, err)
		}

		if out.IsUnwind {
			// Per the tie-break rule (spec §4.2), a stage requesting unwind
			// doesn't stop the forward pass: a later stage may independently
			// request a lower unwind_to, and the lower one wins.
			unwindTargets = append(unwindTargets, out.UnwindTo)
			continue
		}

		if !out.Done {
			allStagesDone = false
		}

		if out.StageProgress < prevProgress.progress {
			return advanced, false, nil, &fatalErr{msg: fmt.Sprintf(
				"stage %s: progress went backwards: %d -> %d (programming error)",
				stage.ID, prevProgress.progress, out.StageProgress)}
		}
		advanced += out.StageProgress - prevProgress.progress

		if err := stages.SaveStageProgress(tx, stage.ID, out.StageProgress); err != nil {
			return advanced, false, nil, err
		}
		recordStageProgress(stage.ID, out.StageProgress)

		shouldCommit := (out.StageProgress-prevProgress.progress >= s.cfg.MinProgressToCommitAfterStage) || !out.Done
		if shouldCommit {
			if err := tx.Commit(); err != nil {
				return advanced, false, nil, err
			}
			if i == len(s.stages)-1 {
				txCommitted = true
				break
			}
			tx, err = db.BeginRw(ctx)
			if err != nil {
				return advanced, false, nil, err
			}
			defer tx.Rollback()
		}
	}

	if len(unwindTargets) == 0 {
		if !txCommitted {
			if err := tx.Commit(); err != nil {
				return advanced, false, nil, err
			}
		}
		return advanced, allStagesDone, nil, nil
	}

	unwindTo := MinUnwindTarget(unwindTargets...)
	if err := s.runUnwindPhase(ctx, db, tx, unwindTo); err != nil {
		return advanced, false, nil, err
	}
	return advanced, false, &unwindTo, nil
}

type progressLookup struct {
	progress uint64
	has      bool
}

func (s *Sync) stageInput(tx kv.Tx, idx int) (progressLookup, *PreviousStageProgress, error) {
	stage := s.stages[idx]
	progress, err := stages.GetStageProgress(tx, stage.ID)
	if err != nil {
		return progressLookup{}, nil, err
	}
	has, err := hasEverRun(tx, stage.ID)
	if err != nil {
		return progressLookup{}, nil, err
	}

	if idx == 0 {
		// Virtual progress for the first stage is max_block, or
		// unbounded if none configured (spec §4.2 edge case).
		if s.cfg.HasMaxBlock {
			return progressLookup{progress: progress, has: has}, &PreviousStageProgress{ID: "", Progress: s.cfg.MaxBlock}, nil
		}
		return progressLookup{progress: progress, has: has}, nil, nil
	}

	prev := s.stages[idx-1]
	prevProgress, err := stages.GetStageProgress(tx, prev.ID)
	if err != nil {
		return progressLookup{}, nil, err
	}
	return progressLookup{progress: progress, has: has}, &PreviousStageProgress{ID: prev.ID, Progress: prevProgress}, nil
}

func hasEverRun(tx kv.Tx, stage stages.SyncStage) (bool, error) {
	v, err := tx.GetOne(stages.SyncStageProgress, []byte(stage))
	if err != nil {
		return false, err
	}
	return len(v) > 0, nil
}

// runUnwindPhase reverse-traverses every stage whose recorded progress
// exceeds unwindTo, invoking Unwind (spec §4.2 step 3). It does no
// genesis check of its own: a stage whose unwind would pass genesis
// returns UnwindPastGenesis from Execute instead of an unwind request.
func (s *Sync) runUnwindPhase(ctx context.Context, db kv.RwDB, tx kv.RwTx, unwindTo uint64) error {
	for i := len(s.stages) - 1; i >= 0; i-- {
		stage := s.stages[i]
		progress, err := stages.GetStageProgress(tx, stage.ID)
		if err != nil {
			return err
		}
		if progress <= unwindTo {
			continue
		}

		unwindFn := stage.Unwind
		if unwindFn == nil {
			unwindFn = NopUnwind
		}
		out, err := unwindFn(ctx, tx, UnwindState{
			UnwindTo:      unwindTo,
			StageProgress: progress,
			Logger:        newStageLogger(s.logger, i, len(s.stages), stage.ID),
		})
		if err != nil {
			return fmt.Errorf("unwind stage %s: %w", stage.ID, err)
		}
		if err := stages.SaveStageProgress(tx, stage.ID, out.StageProgress); err != nil {
			return err
		}
		recordStageProgress(stage.ID, out.StageProgress)
		if err := stages.SaveStageUnwind(tx, stage.ID, unwindTo); err != nil {
			return err
		}

		if progress-out.StageProgress >= s.cfg.MinProgressToCommitAfterStage || out.StageProgress != unwindTo {
			if err := tx.Commit(); err != nil {
				return err
			}
			var err2 error
			tx, err2 = db.BeginRw(ctx)
			if err2 != nil {
				return err2
			}
			defer tx.Rollback()
		}
	}

	return tx.Commit()
}

// maybePrune runs the prune phase (spec §4.2 step 4) every
// PruningInterval passes, each stage pruning strictly below
// progress-PruneDepth.
func (s *Sync) maybePrune(ctx context.Context, db kv.RwDB) error {
	if !s.cfg.PruneEnabled {
		return nil
	}
	if s.cfg.PruningInterval == 0 || s.iteration%s.cfg.PruningInterval != 0 {
		return nil
	}
	return db.Update(ctx, func(tx kv.RwTx) error {
		for _, stage := range s.stages {
			if stage.Prune == nil {
				continue
			}
			progress, err := stages.GetStageProgress(tx, stage.ID)
			if err != nil {
				return err
			}
			var pruneTo uint64
			if progress > s.cfg.PruneDepth {
				pruneTo = progress - s.cfg.PruneDepth
			}
			if err := stage.Prune(ctx, tx, PruneState{PruneTo: pruneTo}); err != nil {
				return fmt.Errorf("prune stage %s: %w", stage.ID, err)
			}
		}
		return nil
	})
}

// UnwindPastGenesis returns a fatal error of the shape tests match on
// ("past genesis"), used when an unwind target would go negative.
func UnwindPastGenesis(stage stages.SyncStage) error {
	return &fatalErr{msg: fmt.Sprintf("stage %s: unwind target is past genesis", stage)}
}

// IsFatal reports whether err is an unrecoverable invariant violation
// that should abort the process (spec §7).
func IsFatal(err error) bool { return isFatal(err) }

// MinUnwindTarget implements the tie-break rule: when more than one
// stage in a pass requests an unwind, the lower target wins.
func MinUnwindTarget(targets ...uint64) uint64 {
	min := targets[0]
	for _, t := range targets[1:] {
		if t < min {
			min = t
		}
	}
	return min
}
