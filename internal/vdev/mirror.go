package vdev

import (
	"fmt"

	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// mirrorStart writes and flushes every child and reads from one.
func (vd *Vdev) mirrorStart(z *zio.Zio) {
	if z.Type == zio.Read {
		vd.mirrorRead(z, vd.readOrder(z), 0, nil)
		return
	}
	m := &ioMap{z: z}
	for _, c := range vd.Children() {
		m.targets = append(m.targets, c)
		m.kids = append(m.kids, z.Clone(z.Offset, z.Data))
	}
	vd.fanOut(m)
}

// readOrder lists the children worth reading z from. Mirrors spread reads
// by offset; replacing vdevs prefer the device being replaced. Children
// known to be missing the block's txg go last.
func (vd *Vdev) readOrder(z *zio.Zio) []*Vdev {
	kids := vd.Children()
	n := len(kids)
	if n == 0 {
		return nil
	}
	start := 0
	if vd.Kind == KindMirror {
		start = int((z.Offset >> 20) % uint64(n))
	}
	var good, stale []*Vdev
	for i := range kids {
		c := kids[(start+i)%n]
		if c.State() < types.VdevStateDegraded {
			continue
		}
		if z.Txg != 0 && c.missingTxg(z.Txg) {
			stale = append(stale, c)
			continue
		}
		good = append(good, c)
	}
	return append(good, stale...)
}

// missingTxg reports whether any leaf under vd lacks data born in t.
func (vd *Vdev) missingTxg(t uint64) bool {
	for _, leaf := range vd.Leaves() {
		if leaf.DTLContains(t) {
			return true
		}
	}
	return false
}

// complete reports whether no leaf under vd is missing any txg.
func (vd *Vdev) complete() bool {
	for _, leaf := range vd.Leaves() {
		if !leaf.dtl.empty() {
			return false
		}
	}
	return true
}

// mirrorRead tries order[i:] in turn until a copy reads and verifies.
func (vd *Vdev) mirrorRead(z *zio.Zio, order []*Vdev, i int, lastErr error) {
	if i >= len(order) {
		if lastErr == nil {
			lastErr = fmt.Errorf("no readable children")
		}
		z.Done(fmt.Errorf("%w: %s: %v", ErrNoReplicas, vd, lastErr))
		return
	}
	c := order[i]
	buf := make([]byte, len(z.Data))
	cz := z.Clone(z.Offset, buf)
	cz.OnDone(func(cz *zio.Zio) {
		err := cz.Err()
		if err == nil && z.Verify != nil {
			if err = z.Verify(buf); err != nil {
				c.Stats.ChecksumErrors.Add(1)
				vd.log.WithError(err).WithField("child", c.String()).Warn("checksum mismatch, trying next copy")
			}
		}
		if err != nil {
			vd.mirrorRead(z, order, i+1, err)
			return
		}
		copy(z.Data, buf)
		z.Done(nil)
	})
	c.IOStart(cz)
}
