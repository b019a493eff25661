package headerdownload

import (
	"fmt"

	"github.com/silkworm-labs/stagedsync/core/chainspec"
	"github.com/silkworm-labs/stagedsync/core/types"
)

// HeaderSliceVerifier checks intra-slice consistency only: parent-hash
// chaining, monotone block numbers, timestamp monotonicity, bounded
// future timestamps, gas-limit bounds, and extra-data bounds. It never
// consults the canonical chain (spec §4.4) — cross-slice linkage is a
// separate stage.
//
// Proof-of-work/proof-of-authority seal verification, also named by
// spec §4.4, is a deliberate omission rather than a pluggable hook: it
// is recorded as an explicit out-of-scope decision in DESIGN.md, since
// verifying it for real (Ethash epoch DAGs, Clique signer-set
// recovery) needs consensus-engine source this module has no grounded
// reference implementation for.
type HeaderSliceVerifier interface {
	VerifySlice(headers []*types.Header, startBlockNum types.BlockNumber, nowUnixSeconds uint64, spec *chainspec.ChainSpec) bool
}

// DefaultVerifier implements the structural rules spec §4.4 lists,
// excluding seal verification (see the HeaderSliceVerifier doc comment).
type DefaultVerifier struct{}

func (DefaultVerifier) VerifySlice(headers []*types.Header, startBlockNum types.BlockNumber, now uint64, spec *chainspec.ChainSpec) bool {
	if len(headers) == 0 {
		return false
	}
	var parent *types.Header
	for i, h := range headers {
		wantNum := startBlockNum + types.BlockNumber(i)
		if h.Number != wantNum {
			return false
		}
		if len(h.ExtraData) > spec.MaxExtraDataSize {
			return false
		}
		if h.GasLimit < spec.MinGasLimit {
			return false
		}
		if h.Time > now+spec.AllowedFutureBlockTime {
			return false
		}
		if parent != nil {
			if h.ParentHash != parent.Hash() {
				return false
			}
			if h.Time <= parent.Time {
				return false
			}
			if !withinGasLimitBound(parent.GasLimit, h.GasLimit, spec.GasLimitBoundDivisor) {
				return false
			}
		}
		parent = h
	}
	return true
}

func withinGasLimitBound(parentLimit, limit, divisor uint64) bool {
	if divisor == 0 {
		return true
	}
	bound := parentLimit / divisor
	var diff uint64
	if limit > parentLimit {
		diff = limit - parentLimit
	} else {
		diff = parentLimit - limit
	}
	return diff < bound
}

// ErrVerifierPanic wraps a recovered panic from a verifier call so a
// single malformed slice cannot take down the whole parallel batch.
type ErrVerifierPanic struct{ Recovered any }

func (e *ErrVerifierPanic) Error() string { return fmt.Sprintf("verifier panicked: %v", e.Recovered) }
