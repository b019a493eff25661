package headerdownload

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/silkworm-labs/stagedsync/core/chainspec"
	"github.com/silkworm-labs/stagedsync/core/types"
)

func buildSlice(t *testing.T, hss *HeaderSlices, start types.BlockNumber, size int, breakParent bool) *HeaderSlice {
	t.Helper()
	slice := hss.AddSlice(start)
	headers := make([]*types.Header, size)
	var parentHash types.Hash
	now := uint64(time.Now().Unix())
	for i := 0; i < size; i++ {
		h := &types.Header{
			ParentHash: parentHash,
			Number:     start + types.BlockNumber(i),
			Time:       now - uint64(size-i),
			GasLimit:   30_000_000,
			Difficulty: uint256.NewInt(1),
		}
		if breakParent && i == size/2 {
			h.ParentHash = types.BytesToHash([]byte("not-the-real-parent-hash-garbage"))
		}
		h.HashPrepare()
		parentHash = h.Hash()
		headers[i] = h
	}
	slice.mu.Lock()
	slice.Headers = headers
	slice.mu.Unlock()
	hss.SetStatus(slice, Downloaded)
	return slice
}

type countingVerifier struct {
	calls int64
	inner HeaderSliceVerifier
}

func (c *countingVerifier) VerifySlice(headers []*types.Header, start types.BlockNumber, now uint64, spec *chainspec.ChainSpec) bool {
	atomic.AddInt64(&c.calls, 1)
	return c.inner.VerifySlice(headers, start, now, spec)
}

func TestVerifySlicesStageBatchParallelism(t *testing.T) {
	hss := NewHeaderSlices(8)
	const good, bad = 28, 4
	for i := 0; i < good; i++ {
		buildSlice(t, hss, types.BlockNumber(i*8), 8, false)
	}
	for i := 0; i < bad; i++ {
		buildSlice(t, hss, types.BlockNumber((good+i)*8), 8, true)
	}

	verifier := &countingVerifier{inner: DefaultVerifier{}}
	stage := NewVerifySlicesStage(hss, chainspec.Mainnet(), verifier)
	stage.numWorkers = 4

	require.True(t, stage.CanProceed())
	require.NoError(t, stage.Execute(context.Background(), nil))

	require.False(t, hss.ContainsStatus(Downloaded))
	require.Equal(t, good, hss.Count(VerifiedInternally))
	require.Equal(t, bad, hss.Count(Invalid))
	require.Equal(t, int64(good+bad), atomic.LoadInt64(&verifier.calls))
	require.False(t, stage.CanProceed())
}

func TestVerifySliceRaceWithResetReturnsFalse(t *testing.T) {
	hss := NewHeaderSlices(8)
	slice := hss.AddSlice(0)
	hss.SetStatus(slice, Downloaded) // Headers left nil: simulates a reset race

	stage := NewVerifySlicesStage(hss, chainspec.Mainnet(), DefaultVerifier{})
	require.NoError(t, stage.Execute(context.Background(), nil))
	require.Equal(t, 1, hss.Count(Invalid))
}
