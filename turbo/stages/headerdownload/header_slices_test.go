package headerdownload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silkworm-labs/stagedsync/core/types"
)

func TestHeaderSlicesTransitionsPreserveTotal(t *testing.T) {
	hss := NewHeaderSlices(4)
	for i := 0; i < 10; i++ {
		hss.AddSlice(types.BlockNumber(i * 4))
	}
	require.Equal(t, 10, hss.Len())

	slice := hss.FindBatchByStatus(Empty, 1)[0]
	hss.SetStatus(slice, Requested)
	require.Equal(t, 9, hss.Count(Empty))
	require.Equal(t, 1, hss.Count(Requested))

	total := 0
	for _, st := range []Status{Empty, Requested, Downloaded, VerifiedInternally, Invalid, VerifiedLinked, Saved, Refetch} {
		total += hss.Count(st)
	}
	require.Equal(t, 10, total)
}

func TestHeaderSlicesWaitFiresOnTransition(t *testing.T) {
	hss := NewHeaderSlices(4)
	slice := hss.AddSlice(0)

	done := make(chan struct{})
	go func() {
		_ = hss.Wait(Downloaded, nil)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter register
	hss.SetStatus(slice, Downloaded)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after transition into status")
	}
}

func TestHeaderSlicesWaitStops(t *testing.T) {
	hss := NewHeaderSlices(4)
	stop := make(chan struct{})
	close(stop)
	err := hss.Wait(Downloaded, stop)
	require.Error(t, err)
}
