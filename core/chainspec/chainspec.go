// Package chainspec defines the immutable rule set consulted by header
// verification: fork schedule boundaries and consensus parameters.
package chainspec

import "github.com/silkworm-labs/stagedsync/core/types"

// ChainSpec is the rule set a HeaderSliceVerifier consults. It never
// changes at runtime and is safe to share across verification workers.
//
// It carries no consensus-seal selector: seal verification (PoW/PoA) is
// an explicit out-of-scope omission, not a pluggable concern this spec
// dispatches on (see turbo/stages/headerdownload/verifier.go).
type ChainSpec struct {
	Name string

	// GasLimitBoundDivisor bounds how much GasLimit may drift from its
	// parent per block: |limit - parent.limit| < parent.limit / Divisor.
	GasLimitBoundDivisor uint64
	MinGasLimit          uint64

	// MaxExtraDataSize bounds Header.ExtraData length.
	MaxExtraDataSize int

	// AllowedFutureBlockTime bounds how far a header's timestamp may sit
	// ahead of the verifier's wall clock, in seconds.
	AllowedFutureBlockTime uint64
}

// Mainnet is a representative chain spec matching Ethereum mainnet's
// classic (pre-merge) gas/extra-data bounds.
func Mainnet() *ChainSpec {
	return &ChainSpec{
		Name:                   "mainnet",
		GasLimitBoundDivisor:   1024,
		MinGasLimit:            5000,
		MaxExtraDataSize:       32,
		AllowedFutureBlockTime: 15,
	}
}

// IsGenesis reports whether h is the chain's genesis header.
func IsGenesis(h *types.Header) bool { return h.Number == 0 }
