package vdev

import (
	"context"
	"fmt"

	"github.com/deploymenttheory/go-zpool/internal/types"
)

// Attach adds the leaf described by cfg alongside existing. The two become
// a mirror, or a replacing pair if replacing is set; a new parent is
// interposed when existing does not already have one of that kind. The new
// leaf is recorded as missing every txg before tx.
func (t *Tree) Attach(ctx context.Context, existing *Vdev, cfg *Config, replacing bool, tx uint64) (*Vdev, error) {
	if !existing.IsLeaf() {
		return nil, ErrNotLeaf
	}
	kind := KindMirror
	if replacing {
		kind = KindReplacing
	}
	mvd := existing.Parent()
	interposed := false
	if mvd.Kind != kind {
		mvd = existing.AddParent(kind)
		interposed = true
	}
	undo := func() {
		if interposed {
			existing.RemoveParent()
		}
	}

	nvd, err := t.AllocTree(cfg, mvd, uint64(mvd.NumChildren()), AllocAdd)
	if err != nil {
		undo()
		return nil, err
	}
	if !nvd.IsLeaf() {
		t.Free(nvd)
		undo()
		return nil, fmt.Errorf("%w: can only attach a leaf", ErrNotLeaf)
	}
	if err := nvd.Open(ctx); err != nil {
		t.Free(nvd)
		undo()
		return nil, err
	}
	if nvd.Asize < existing.Asize {
		t.Free(nvd)
		undo()
		return nil, fmt.Errorf("%w: %s is smaller than %s", ErrCantOpen, nvd, existing)
	}

	nvd.DTLAdd(0, tx, tx)
	nvd.Dirty(types.DirtyAdd, tx)
	nvd.PropagateState()
	nvd.log.WithField("sibling", existing.String()).Info("attached")
	return nvd, nil
}

// Detach removes leaf vd from its mirror or replacing parent, draining its
// I/O first. Some other child must hold every txg. A parent left with one
// child is removed from the tree.
func (vd *Vdev) Detach(tx uint64) error {
	if !vd.IsLeaf() {
		return ErrNotLeaf
	}
	p := vd.Parent()
	if p == nil || (p.Kind != KindMirror && p.Kind != KindReplacing) {
		return fmt.Errorf("%w: %s is not part of a mirror", ErrCorrupt, vd)
	}
	others := 0
	for _, c := range p.Children() {
		if c != vd && c.State() >= types.VdevStateDegraded && c.complete() {
			others++
		}
	}
	if others == 0 {
		return fmt.Errorf("%w: %s holds the only complete copy", ErrNoReplicas, vd)
	}

	top := vd.Top()
	vd.Drain()
	vd.tree.Free(vd)
	p.CompactChildren()
	if kids := p.Children(); len(kids) == 1 {
		if p == top {
			top = kids[0]
		}
		kids[0].RemoveParent()
		kids[0].PropagateState()
	} else {
		p.childStateChange()
		p.PropagateState()
	}
	top.Dirty(types.DirtyAdd, tx)
	vd.log.Info("detached")
	return nil
}
