package vdev

import (
	"fmt"

	"github.com/deploymenttheory/go-zpool/internal/txg"
	"github.com/deploymenttheory/go-zpool/internal/types"
)

// Dirty records that vd changed in txg t. The top-level ancestor collects
// the flags and joins the tree's dirty list; leaf DTL changes additionally
// queue the leaf on its top-level's DTL list.
func (vd *Vdev) Dirty(flags types.DirtyFlags, t uint64) {
	top := vd.Top()
	if top == nil {
		panic(fmt.Sprintf("vdev: dirty of %s outside any top-level", vd))
	}
	top.dirtyMu.Lock()
	top.dirty[txg.Slot(t)] |= flags
	top.dirtyMu.Unlock()

	if flags.Has(types.DirtyDTL) && vd.IsLeaf() {
		top.dtlList.Add(vd, t)
	}
	vd.tree.dirtyTops.Add(top, t)
}

// DirtyFlags returns the flags recorded on top-level vd for txg t.
func (vd *Vdev) DirtyFlags(t uint64) types.DirtyFlags {
	vd.dirtyMu.Lock()
	defer vd.dirtyMu.Unlock()
	return vd.dirty[txg.Slot(t)]
}

// Sync persists top-level vd's txg t changes: space accounting is folded
// into the synced totals and queued DTLs are published. It reports whether
// the pool configuration must be rewritten.
func (vd *Vdev) Sync(t uint64) bool {
	flags := vd.DirtyFlags(t)
	if flags.Has(types.DirtyAlloc) || flags.Has(types.DirtyFree) {
		vd.space.sync(t)
	}
	for {
		leaf, ok := vd.dtlList.Remove(t)
		if !ok {
			break
		}
		leaf.dtl.sync()
	}
	if flags.Has(types.DirtyAdd) && vd.MetaslabCount == 0 {
		vd.MetaslabShift, vd.MetaslabCount = metaslabGeometry(vd.Asize)
	}
	return flags.Has(types.DirtyAdd) || flags.Has(types.DirtyDTL)
}

// SyncDone clears txg t's dirty state once the txg is durable.
func (vd *Vdev) SyncDone(t uint64) {
	vd.dirtyMu.Lock()
	vd.dirty[txg.Slot(t)] = 0
	vd.dirtyMu.Unlock()
}

// SyncTxg syncs every top-level dirtied in t and reports whether any of
// them needs the configuration rewritten.
func (t *Tree) SyncTxg(tx uint64) (configDirty bool, synced []*Vdev) {
	for {
		top, ok := t.dirtyTops.Remove(tx)
		if !ok {
			break
		}
		if top.Sync(tx) {
			configDirty = true
		}
		synced = append(synced, top)
	}
	return configDirty, synced
}

// DirtyTxg reports whether any top-level has pending changes in t.
func (t *Tree) DirtyTxg(tx uint64) bool {
	return !t.dirtyTops.Empty(tx)
}
