package headerdownload

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/silkworm-labs/stagedsync/core/chainspec"
)

// VerifySlicesStage advances slices in Downloaded to VerifiedInternally
// or Invalid (spec §4.4). It blocks until at least one Downloaded slice
// exists, then drains the current set in CPU-wide batches, verifying
// each batch in parallel on a work-stealing pool (golang.org/x/sync's
// errgroup, generalizing the teacher's erigon-lib/state domain-index
// build parallelism) before assigning terminal statuses.
type VerifySlicesStage struct {
	slices   *HeaderSlices
	spec     *chainspec.ChainSpec
	verifier HeaderSliceVerifier

	// numWorkers defaults to runtime.NumCPU(); overridable for tests.
	numWorkers int
}

func NewVerifySlicesStage(slices *HeaderSlices, spec *chainspec.ChainSpec, verifier HeaderSliceVerifier) *VerifySlicesStage {
	return &VerifySlicesStage{slices: slices, spec: spec, verifier: verifier, numWorkers: runtime.NumCPU()}
}

// CanProceed is a non-blocking predicate a scheduler can poll instead of
// committing to Execute's blocking Wait (carried forward from the Rust
// original's can_proceed_check).
func (s *VerifySlicesStage) CanProceed() bool {
	return s.slices.ContainsStatus(Downloaded)
}

// Execute blocks until at least one Downloaded slice exists, then
// verifies every pending slice and returns when none remain.
func (s *VerifySlicesStage) Execute(ctx context.Context, stop <-chan struct{}) error {
	if err := s.slices.Wait(Downloaded, stop); err != nil {
		return err
	}
	return s.verifyPending(ctx)
}

func (s *VerifySlicesStage) verifyPending(ctx context.Context) error {
	n := s.numWorkers
	if n < 1 {
		n = 1
	}
	for {
		batch := s.slices.FindBatchByStatus(Downloaded, n)
		if len(batch) == 0 {
			return nil
		}

		verified, err := s.verifySlicesParallel(ctx, batch)
		if err != nil {
			return err
		}

		for i, slice := range batch {
			if verified[i] {
				s.slices.SetStatus(slice, VerifiedInternally)
			} else {
				s.slices.SetStatus(slice, Invalid)
			}
		}
	}
}

func (s *VerifySlicesStage) verifySlicesParallel(ctx context.Context, batch []*HeaderSlice) ([]bool, error) {
	results := make([]bool, len(batch))
	g, _ := errgroup.WithContext(ctx)
	for i, slice := range batch {
		i, slice := i, slice
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &ErrVerifierPanic{Recovered: r}
				}
			}()
			results[i] = s.verifySlice(slice)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// verifySlice is read-only on the slice from the caller's perspective
// except for the one-time hash memoization, which runs under the
// slice's own lock.
func (s *VerifySlicesStage) verifySlice(slice *HeaderSlice) bool {
	slice.mu.Lock()
	headers := slice.Headers
	if headers == nil {
		slice.mu.Unlock()
		return false // race with a reset; tie-break per spec §4.4
	}
	for _, h := range headers {
		h.HashPrepare()
	}
	startBlockNum := slice.StartBlockNum
	slice.mu.Unlock()

	now := uint64(time.Now().Unix())
	return s.verifier.VerifySlice(headers, startBlockNum, now, s.spec)
}
