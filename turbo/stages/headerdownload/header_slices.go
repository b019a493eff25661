// Package headerdownload implements the sliding-window header-slice
// state machine (spec §3, §4.3) and the parallel verification stage
// (spec §4.4) built on top of it.
package headerdownload

import (
	"sync"
	"time"

	"github.com/silkworm-labs/stagedsync/core/types"
)

// Status is a HeaderSlice's lifecycle state (spec §4.3).
type Status int

const (
	Empty Status = iota
	Requested
	Downloaded
	VerifiedInternally
	Invalid
	VerifiedLinked
	Saved
	Refetch
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Requested:
		return "Requested"
	case Downloaded:
		return "Downloaded"
	case VerifiedInternally:
		return "VerifiedInternally"
	case Invalid:
		return "Invalid"
	case VerifiedLinked:
		return "VerifiedLinked"
	case Saved:
		return "Saved"
	case Refetch:
		return "Refetch"
	default:
		return "Unknown"
	}
}

// HeaderSlice is a fixed-size contiguous range of headers anchored at
// StartBlockNum, a multiple of the container's slice size.
type HeaderSlice struct {
	mu sync.Mutex

	StartBlockNum   types.BlockNumber
	status          Status
	Headers         []*types.Header
	RequestTime     time.Time
	RequestAttempt  int
}

func (hs *HeaderSlice) Status() Status {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.status
}

// HeaderSlices is the sliding-window container: an ordered set of
// slices protected by per-slice locks plus a status-indexed count map
// and a change-notification channel per status (spec §3).
type HeaderSlices struct {
	sliceSize int

	mu      sync.Mutex // guards slices, counts and watches; never held across a slice lock
	slices  []*HeaderSlice
	counts  map[Status]int
	watches map[Status][]chan struct{}
}

func NewHeaderSlices(sliceSize int) *HeaderSlices {
	return &HeaderSlices{
		sliceSize: sliceSize,
		counts:    map[Status]int{},
		watches:   map[Status][]chan struct{}{},
	}
}

// AddSlice appends a new Empty slice anchored at startBlockNum, growing
// the window by one. Nothing in this package removes slices.
func (hss *HeaderSlices) AddSlice(startBlockNum types.BlockNumber) *HeaderSlice {
	hss.mu.Lock()
	defer hss.mu.Unlock()
	slice := &HeaderSlice{StartBlockNum: startBlockNum, status: Empty}
	hss.slices = append(hss.slices, slice)
	hss.counts[Empty]++
	return slice
}

// Len returns the total number of slices in the window.
func (hss *HeaderSlices) Len() int {
	hss.mu.Lock()
	defer hss.mu.Unlock()
	return len(hss.slices)
}

func (hss *HeaderSlices) Count(status Status) int {
	hss.mu.Lock()
	defer hss.mu.Unlock()
	return hss.counts[status]
}

func (hss *HeaderSlices) ContainsStatus(status Status) bool {
	return hss.Count(status) > 0
}

// SetStatus transitions slice to newStatus: it swaps the status under
// the per-slice lock, releases it, then updates the count map under the
// container lock and fires watches on both the old and new status.
// Callers must not hold slice.mu when calling this (SetStatus acquires
// it).
func (hss *HeaderSlices) SetStatus(slice *HeaderSlice, newStatus Status) {
	slice.mu.Lock()
	oldStatus := slice.status
	slice.status = newStatus
	slice.mu.Unlock()

	hss.mu.Lock()
	hss.counts[oldStatus]--
	hss.counts[newStatus]++
	oldWatches := hss.watches[oldStatus]
	newWatches := hss.watches[newStatus]
	delete(hss.watches, oldStatus)
	delete(hss.watches, newStatus)
	hss.mu.Unlock()

	for _, ch := range oldWatches {
		close(ch)
	}
	for _, ch := range newWatches {
		close(ch)
	}
}

// FindBatchByStatus returns up to n slices currently in status, removing
// nothing from the window (the caller transitions them once verified).
// Batches are constructed from distinct slice handles so no two workers
// in a later parallel map ever touch the same slice.
func (hss *HeaderSlices) FindBatchByStatus(status Status, n int) []*HeaderSlice {
	hss.mu.Lock()
	all := append([]*HeaderSlice(nil), hss.slices...)
	hss.mu.Unlock()
	batch := make([]*HeaderSlice, 0, n)
	for _, slice := range all {
		slice.mu.Lock()
		match := slice.status == status
		slice.mu.Unlock()
		if match {
			batch = append(batch, slice)
			if len(batch) == n {
				break
			}
		}
	}
	return batch
}

// Wait blocks until Count(status) > 0 or ctx-like cancellation via
// stop channel fires. It checks the count and registers its watch under
// the same container lock, so a transition cannot land between the
// check and the registration.
func (hss *HeaderSlices) Wait(status Status, stop <-chan struct{}) error {
	for {
		hss.mu.Lock()
		if hss.counts[status] > 0 {
			hss.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		hss.watches[status] = append(hss.watches[status], ch)
		hss.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-stop:
			return errStopped
		}
	}
}

var errStopped = &stoppedError{}

type stoppedError struct{}

func (*stoppedError) Error() string { return "headerdownload: wait stopped" }
