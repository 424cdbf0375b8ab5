package vdev

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/deploymenttheory/go-zpool/internal/txg"
	"github.com/deploymenttheory/go-zpool/internal/types"
)

// spaceMap tracks allocation on a top-level vdev. Space is handed out by a
// bump allocator; frees are accounted but not reused.
type spaceMap struct {
	mu        sync.Mutex
	frontier  uint64
	allocated uint64
	alloc     [txg.Size]uint64
	free      [txg.Size]uint64
}

func (s *spaceMap) takeFrom(o *spaceMap) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontier, s.allocated = o.frontier, o.allocated
	s.alloc, s.free = o.alloc, o.free
	o.frontier, o.allocated = 0, 0
	o.alloc, o.free = [txg.Size]uint64{}, [txg.Size]uint64{}
}

// SpaceStats is a snapshot of a top-level vdev's space accounting.
type SpaceStats struct {
	Size      uint64
	Allocated uint64
	Frontier  uint64
}

// metaslabGeometry sizes metaslabs so that a vdev has roughly 200 of them,
// each at least 16M.
func metaslabGeometry(asize uint64) (shift, count uint64) {
	shift = uint64(bits.Len64(asize/200)) - 1
	if asize/200 == 0 || shift < 24 {
		shift = 24
	}
	return shift, asize >> shift
}

// AllocSpace reserves asize bytes on top-level vd in txg and returns the
// offset, in the vdev's own address space.
func (vd *Vdev) AllocSpace(asize, t uint64) (uint64, error) {
	if !vd.IsTop() {
		return 0, fmt.Errorf("vdev: allocate from non-top-level %s", vd)
	}
	s := &vd.space
	s.mu.Lock()
	if s.frontier+asize > vd.Asize {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s has %d of %d bytes free", ErrNoSpace, vd, vd.Asize-s.frontier, asize)
	}
	off := s.frontier
	s.frontier += asize
	s.alloc[txg.Slot(t)] += asize
	s.mu.Unlock()

	vd.Dirty(types.DirtyAlloc, t)
	return off, nil
}

// FreeSpace accounts asize bytes at off as freed in txg.
func (vd *Vdev) FreeSpace(off, asize, t uint64) {
	if !vd.IsTop() {
		panic(fmt.Sprintf("vdev: free on non-top-level %s", vd))
	}
	s := &vd.space
	s.mu.Lock()
	if off+asize > s.frontier {
		s.mu.Unlock()
		panic(fmt.Sprintf("vdev: free of unallocated range %#x+%#x on %s", off, asize, vd))
	}
	s.free[txg.Slot(t)] += asize
	s.mu.Unlock()

	vd.Dirty(types.DirtyFree, t)
}

// SetSpace restores persisted accounting on load. The frontier never moves
// backwards.
func (vd *Vdev) SetSpace(frontier, allocated uint64) {
	s := &vd.space
	s.mu.Lock()
	defer s.mu.Unlock()
	if frontier > s.frontier {
		s.frontier = frontier
	}
	s.allocated = allocated
}

// Space returns the synced accounting of top-level vd.
func (vd *Vdev) Space() SpaceStats {
	s := &vd.space
	s.mu.Lock()
	defer s.mu.Unlock()
	return SpaceStats{Size: vd.Asize, Allocated: s.allocated, Frontier: s.frontier}
}

// PendingSpace returns the bytes allocated and freed on top-level vd in
// txg t that have not been folded into the synced totals yet.
func (vd *Vdev) PendingSpace(t uint64) (alloc, free uint64) {
	s := &vd.space
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := txg.Slot(t)
	return s.alloc[slot], s.free[slot]
}

// sync folds txg t's allocations and frees into the synced totals.
func (s *spaceMap) sync(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := txg.Slot(t)
	s.allocated += s.alloc[slot]
	s.allocated -= s.free[slot]
	s.alloc[slot], s.free[slot] = 0, 0
}
