package spa

import (
	"context"
	"fmt"

	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
)

// topologyChange runs fn with the open txg held and syncs excluded. A
// successful change marks the configuration for rewriting.
func (p *Pool) topologyChange(fn func(tx uint64) error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	tx, release := p.Assign()
	defer release()

	if err := fn(tx); err != nil {
		return err
	}
	p.configDirty = true
	return nil
}

func (p *Pool) lookup(guid uint64) (*vdev.Vdev, error) {
	vd := p.tree.Lookup(guid)
	if vd == nil {
		return nil, fmt.Errorf("%w: no vdev with guid %016x", vdev.ErrCantOpen, guid)
	}
	return vd, nil
}

// Add adds a new top-level vdev described by cfg.
func (p *Pool) Add(ctx context.Context, cfg *vdev.Config) (*vdev.Vdev, error) {
	var top *vdev.Vdev
	err := p.topologyChange(func(tx uint64) error {
		root := p.tree.Root()
		vd, err := p.tree.AllocTree(cfg, root, uint64(root.NumChildren()), vdev.AllocAdd)
		if err != nil {
			return err
		}
		err = vd.Open(ctx)
		if err == nil && vd.State() != types.VdevStateHealthy {
			err = fmt.Errorf("%w: %s is %s", vdev.ErrCantOpen, vd, vd.State())
		}
		if err != nil {
			p.tree.Free(vd)
			root.CompactChildren()
			return err
		}
		vd.Dirty(types.DirtyAdd, tx)
		root.PropagateState()
		top = vd
		return nil
	})
	return top, err
}

// Attach mirrors the leaf with the given guid onto the device in cfg. With
// replacing set the new device is meant to take over from the old one.
func (p *Pool) Attach(ctx context.Context, guid uint64, cfg *vdev.Config, replacing bool) (*vdev.Vdev, error) {
	var nvd *vdev.Vdev
	err := p.topologyChange(func(tx uint64) error {
		existing, err := p.lookup(guid)
		if err != nil {
			return err
		}
		nvd, err = p.tree.Attach(ctx, existing, cfg, replacing, tx)
		return err
	})
	return nvd, err
}

// Detach removes the leaf with the given guid from its mirror.
func (p *Pool) Detach(guid uint64) error {
	return p.topologyChange(func(tx uint64) error {
		vd, err := p.lookup(guid)
		if err != nil {
			return err
		}
		return vd.Detach(tx)
	})
}

// Offline takes the leaf with the given guid out of service.
func (p *Pool) Offline(ctx context.Context, guid uint64) error {
	return p.topologyChange(func(tx uint64) error {
		vd, err := p.lookup(guid)
		if err != nil {
			return err
		}
		if err := vd.Offline(ctx); err != nil {
			return err
		}
		vd.Top().Dirty(types.DirtyAdd, tx)
		return nil
	})
}

// Online returns the leaf with the given guid to service.
func (p *Pool) Online(ctx context.Context, guid uint64) error {
	return p.topologyChange(func(tx uint64) error {
		vd, err := p.lookup(guid)
		if err != nil {
			return err
		}
		if err := vd.Online(ctx); err != nil {
			return err
		}
		vd.Top().Dirty(types.DirtyAdd, tx)
		return nil
	})
}
