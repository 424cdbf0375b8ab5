package vdev

import (
	"context"
	"fmt"

	"github.com/deploymenttheory/go-zpool/internal/types"
)

// Load validates an opened subtree against its configuration and its
// devices. Guid-sum mismatches are structural corruption. Leaves whose
// labels are unreadable or belong to another vdev are marked unopenable;
// Load fails only if that leaves vd unable to serve I/O.
func (vd *Vdev) Load(ctx context.Context) error {
	for _, c := range vd.Children() {
		if err := c.Load(ctx); err != nil {
			return err
		}
	}
	if vd.configuredGuidSum != 0 && vd.configuredGuidSum != vd.GuidSum {
		return fmt.Errorf("%w: %s guid sum %#x does not match configuration %#x",
			ErrCorrupt, vd, vd.GuidSum, vd.configuredGuidSum)
	}
	if !vd.IsLeaf() {
		vd.childStateChange()
		if vd.State() < types.VdevStateDegraded {
			return fmt.Errorf("%w: %s", ErrNoReplicas, vd)
		}
		return nil
	}
	if vd.store == nil {
		return nil
	}

	lc, err := vd.ReadLabel(ctx)
	switch {
	case err != nil:
	case lc.Guid != vd.Guid:
		err = fmt.Errorf("%w: label guid %#x, expected %#x", ErrCorrupt, lc.Guid, vd.Guid)
	case vd.tree.PoolGuid != 0 && lc.PoolGuid != vd.tree.PoolGuid:
		err = fmt.Errorf("%w: device belongs to pool %#x", ErrCorrupt, lc.PoolGuid)
	}
	if err != nil {
		vd.log.WithError(err).Warn("label validation failed")
		vd.leafClose()
		vd.setState(types.VdevStateCantOpen)
	}
	return nil
}
