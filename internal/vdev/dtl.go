package vdev

import (
	"sort"
	"sync"

	"github.com/deploymenttheory/go-zpool/internal/types"
)

// Range is a half-open span of txgs [Start, End).
type Range struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// dtlMap is a leaf's dirty time log: the txgs for which the leaf is known
// to be missing writes. The in-core set changes as writes fail; the synced
// set is the copy last written out by Sync.
type dtlMap struct {
	mu     sync.Mutex
	ranges []Range
	synced []Range
}

// add records txgs [start, end) as missing, merging with neighbours.
func (d *dtlMap) add(start, end uint64) bool {
	if start >= end {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rangesContain(d.ranges, start, end) {
		return false
	}
	d.ranges = append(d.ranges, Range{start, end})
	d.ranges = mergeRanges(d.ranges)
	return true
}

func (d *dtlMap) contains(t uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return rangesContain(d.ranges, t, t+1)
}

func (d *dtlMap) empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ranges) == 0
}

func (d *dtlMap) snapshot() []Range {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Range(nil), d.ranges...)
}

func (d *dtlMap) syncedSnapshot() []Range {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Range(nil), d.synced...)
}

// sync publishes the in-core set as the on-disk copy.
func (d *dtlMap) sync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.synced = append(d.synced[:0], d.ranges...)
}

func (d *dtlMap) load(r []Range) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ranges = mergeRanges(append([]Range(nil), r...))
	d.synced = append([]Range(nil), d.ranges...)
}

func rangesContain(rs []Range, start, end uint64) bool {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End > start })
	return i < len(rs) && rs[i].Start <= start && end <= rs[i].End
}

func mergeRanges(rs []Range) []Range {
	if len(rs) < 2 {
		return rs
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// DTLAdd records that the leaf missed writes in txgs [start, end) and
// dirties it so the change is synced.
func (vd *Vdev) DTLAdd(start, end uint64, dirtyTxg uint64) {
	if !vd.IsLeaf() {
		return
	}
	if vd.dtl.add(start, end) && dirtyTxg != 0 {
		vd.Dirty(types.DirtyDTL, dirtyTxg)
	}
}

// DTLContains reports whether the leaf is missing data born in txg t.
func (vd *Vdev) DTLContains(t uint64) bool { return vd.dtl.contains(t) }

// DTL returns the in-core missing txg ranges.
func (vd *Vdev) DTL() []Range { return vd.dtl.snapshot() }

// SyncedDTL returns the ranges last written out by Sync.
func (vd *Vdev) SyncedDTL() []Range { return vd.dtl.syncedSnapshot() }
